// Package menu implements the singleton floating-menu controller: at most
// one contextual menu is open process-wide, positioned relative to its
// anchor and clamped into the viewport. The controller owns its teardown
// callbacks so repeated open/close cycles cannot leak listeners.
package menu

import (
	"context"
	"sync"
)

// Margin keeps the menu clear of the viewport edges on every axis.
const Margin = 8

type Point struct{ X, Y int }

type Size struct{ W, H int }

type Rect struct{ X, Y, W, H int }

func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.X+r.W && p.Y >= r.Y && p.Y < r.Y+r.H
}

// Anchor is the UI element a menu is attached to. Bounds reports ok=false
// once the element has left the layout, which closes the menu on the next
// relayout.
type Anchor interface {
	ID() string
	Bounds() (Rect, bool)
}

// Callbacks are the menu's two actions. Either may be slow; the menu stays
// open until the invoked callback returns, success or failure, so a
// dependent re-render is never dismissed early.
type Callbacks struct {
	OnPrimary     func(ctx context.Context) error
	OnDestructive func(ctx context.Context) error
}

type openMenu struct {
	anchor    Anchor
	size      Size
	pos       Point
	callbacks Callbacks
	teardown  []func()
	closed    bool
}

// Controller is the process-wide menu owner. The zero value is ready to use.
type Controller struct {
	mu   sync.Mutex
	open *openMenu
}

// Open shows a menu anchored to anchor, laid out against viewport. If a menu
// is open for a different anchor it is closed first, synchronously — two
// menus are never visible at once. Calling Open again on the same anchor is
// a toggle: the menu closes and the call returns false.
func (c *Controller) Open(anchor Anchor, size Size, viewport Rect, callbacks Callbacks) bool {
	c.mu.Lock()
	current := c.open
	c.mu.Unlock()

	if current != nil {
		sameAnchor := current.anchor.ID() == anchor.ID()
		c.Close()
		if sameAnchor {
			return false
		}
	}

	bounds, ok := anchor.Bounds()
	if !ok {
		return false
	}

	c.mu.Lock()
	c.open = &openMenu{
		anchor:    anchor,
		size:      size,
		pos:       place(bounds, size, viewport),
		callbacks: callbacks,
	}
	c.mu.Unlock()
	return true
}

// OnClose registers teardown to run exactly once when the current menu
// closes. No-op when nothing is open.
func (c *Controller) OnClose(teardown func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		c.open.teardown = append(c.open.teardown, teardown)
	}
}

// Close dismisses the open menu and runs its teardown callbacks. Closing an
// already-closed controller is a no-op; teardowns never run twice.
func (c *Controller) Close() {
	c.mu.Lock()
	current := c.open
	c.open = nil
	c.mu.Unlock()

	if current == nil || current.closed {
		return
	}
	current.closed = true
	for _, fn := range current.teardown {
		fn()
	}
}

// Relayout recomputes the menu position after a viewport resize or scroll.
// If the anchor has left the layout the menu closes instead.
func (c *Controller) Relayout(viewport Rect) {
	c.mu.Lock()
	current := c.open
	c.mu.Unlock()
	if current == nil {
		return
	}

	bounds, ok := current.anchor.Bounds()
	if !ok {
		c.Close()
		return
	}

	c.mu.Lock()
	if c.open == current {
		current.pos = place(bounds, current.size, viewport)
	}
	c.mu.Unlock()
}

// DismissAt closes the menu when a click lands outside it. Clicks inside the
// menu are the caller's to route to an action.
func (c *Controller) DismissAt(p Point) {
	rect, ok := c.Frame()
	if !ok {
		return
	}
	if !rect.Contains(p) {
		c.Close()
	}
}

// RunPrimary invokes the primary action, waits for it to finish, then
// closes. The callback's error is returned to the caller for presentation.
func (c *Controller) RunPrimary(ctx context.Context) error {
	return c.run(ctx, func(cb Callbacks) func(context.Context) error { return cb.OnPrimary })
}

// RunDestructive behaves like RunPrimary for the destructive action.
func (c *Controller) RunDestructive(ctx context.Context) error {
	return c.run(ctx, func(cb Callbacks) func(context.Context) error { return cb.OnDestructive })
}

func (c *Controller) run(ctx context.Context, pick func(Callbacks) func(context.Context) error) error {
	c.mu.Lock()
	current := c.open
	c.mu.Unlock()
	if current == nil {
		return nil
	}

	var err error
	if fn := pick(current.callbacks); fn != nil {
		err = fn(ctx)
	}
	c.Close()
	return err
}

// IsOpen reports whether a menu is currently visible.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open != nil
}

// AnchorID returns the open menu's anchor id, or "".
func (c *Controller) AnchorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return ""
	}
	return c.open.anchor.ID()
}

// Frame returns the menu's current rectangle.
func (c *Controller) Frame() (Rect, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return Rect{}, false
	}
	return Rect{X: c.open.pos.X, Y: c.open.pos.Y, W: c.open.size.W, H: c.open.size.H}, true
}

// place prefers below-right-aligned to the anchor, flips above when the
// bottom would overflow, then clamps both axes so the menu stays fully
// inside the viewport.
func place(anchor Rect, menu Size, viewport Rect) Point {
	x := anchor.X + anchor.W - menu.W
	y := anchor.Y + anchor.H
	if y+menu.H > viewport.Y+viewport.H-Margin {
		y = anchor.Y - menu.H
	}
	x = clamp(x, viewport.X+Margin, viewport.X+viewport.W-menu.W-Margin)
	y = clamp(y, viewport.Y+Margin, viewport.Y+viewport.H-menu.H-Margin)
	return Point{X: x, Y: y}
}

func clamp(v, low, high int) int {
	if high < low {
		return low
	}
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
