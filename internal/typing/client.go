package typing

import (
	"sync"
	"time"
)

const (
	IndicatorTimeout = 3 * time.Second
	StopDelay        = 1 * time.Second
)

// Indicator is the receiving side's view of whether the partner is typing.
// It clears itself when not renewed within the timeout.
type Indicator struct {
	timeout  time.Duration
	onChange func(typing bool)

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

func NewIndicator(timeout time.Duration, onChange func(typing bool)) *Indicator {
	if timeout <= 0 {
		timeout = IndicatorTimeout
	}
	return &Indicator{timeout: timeout, onChange: onChange}
}

// Touch marks the partner as typing and restarts the auto-clear timer.
func (in *Indicator) Touch() {
	in.mu.Lock()
	was := in.typing
	in.typing = true
	in.gen++
	gen := in.gen
	if in.timer != nil {
		in.timer.Stop()
	}
	in.timer = time.AfterFunc(in.timeout, func() { in.clear(gen) })
	in.mu.Unlock()

	if !was {
		in.notify(true)
	}
}

func (in *Indicator) Clear() {
	in.clear(0)
}

// clear resets state; gen 0 clears unconditionally, otherwise only if no
// Touch happened after the timer with that generation was armed.
func (in *Indicator) clear(gen uint64) {
	in.mu.Lock()
	if gen != 0 && gen != in.gen {
		in.mu.Unlock()
		return
	}
	was := in.typing
	in.typing = false
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	in.mu.Unlock()

	if was {
		in.notify(false)
	}
}

func (in *Indicator) Typing() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.typing
}

func (in *Indicator) notify(typing bool) {
	if in.onChange != nil {
		in.onChange(typing)
	}
}

// Debouncer is the sending side: it reports the start of a typing burst and
// fires stop once input has been idle for the delay.
type Debouncer struct {
	delay time.Duration
	stop  func()

	mu     sync.Mutex
	timer  *time.Timer
	active bool
	gen    uint64
}

func NewDebouncer(delay time.Duration, stop func()) *Debouncer {
	if delay <= 0 {
		delay = StopDelay
	}
	return &Debouncer{delay: delay, stop: stop}
}

// Poke records input. It returns true when this poke starts a new burst, which
// is when the caller should announce typing.
func (d *Debouncer) Poke() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	started := !d.active
	d.active = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
	return started
}

// Flush ends the current burst now, firing stop if a burst was active.
func (d *Debouncer) Flush() {
	d.fire(0)
}

// Cancel ends the current burst without firing stop.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.active || (gen != 0 && gen != d.gen) {
		d.mu.Unlock()
		return
	}
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if d.stop != nil {
		d.stop()
	}
}
