package onchat

import "sync"

// Dispatcher routes session notifications to registered callbacks.
// Callbacks run on the goroutine that produced the notification, after the
// session lock has been released, so they may call back into the Session.
type Dispatcher struct {
	mu             sync.RWMutex
	onStateChanged func(StateEvent)
	onAuthChanged  func(AuthEvent)
	onMessage      func(ChatMessage)
	onUsers        func([]User)
	onRooms        func([]string)
	onHistory      func(HistoryResult)
	onCheck        func(CheckResult)
	onEvent        func(Event)
	onError        func(error)
}

func (d *Dispatcher) SetOnStateChanged(fn func(StateEvent)) { d.set(func() { d.onStateChanged = fn }) }
func (d *Dispatcher) SetOnAuthChanged(fn func(AuthEvent))   { d.set(func() { d.onAuthChanged = fn }) }
func (d *Dispatcher) SetOnMessage(fn func(ChatMessage))     { d.set(func() { d.onMessage = fn }) }
func (d *Dispatcher) SetOnUsers(fn func([]User))            { d.set(func() { d.onUsers = fn }) }
func (d *Dispatcher) SetOnRooms(fn func([]string))          { d.set(func() { d.onRooms = fn }) }
func (d *Dispatcher) SetOnHistory(fn func(HistoryResult))   { d.set(func() { d.onHistory = fn }) }
func (d *Dispatcher) SetOnCheck(fn func(CheckResult))       { d.set(func() { d.onCheck = fn }) }
func (d *Dispatcher) SetOnEvent(fn func(Event))             { d.set(func() { d.onEvent = fn }) }
func (d *Dispatcher) SetOnError(fn func(error))             { d.set(func() { d.onError = fn }) }

func (d *Dispatcher) set(assign func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	assign()
}

func (d *Dispatcher) stateChanged(ev StateEvent) {
	d.mu.RLock()
	fn := d.onStateChanged
	d.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (d *Dispatcher) authChanged(ev AuthEvent) {
	d.mu.RLock()
	fn := d.onAuthChanged
	d.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (d *Dispatcher) message(m ChatMessage) {
	d.mu.RLock()
	fn := d.onMessage
	d.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

func (d *Dispatcher) users(u []User) {
	d.mu.RLock()
	fn := d.onUsers
	d.mu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (d *Dispatcher) rooms(r []string) {
	d.mu.RLock()
	fn := d.onRooms
	d.mu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

func (d *Dispatcher) history(h HistoryResult) {
	d.mu.RLock()
	fn := d.onHistory
	d.mu.RUnlock()
	if fn != nil {
		fn(h)
	}
}

func (d *Dispatcher) check(c CheckResult) {
	d.mu.RLock()
	fn := d.onCheck
	d.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func (d *Dispatcher) event(ev Event) {
	d.mu.RLock()
	fn := d.onEvent
	d.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (d *Dispatcher) fireError(err error) {
	d.mu.RLock()
	fn := d.onError
	d.mu.RUnlock()
	if fn != nil && err != nil {
		fn(err)
	}
}
