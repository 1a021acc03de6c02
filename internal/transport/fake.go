package transport

import (
	"sync"

	"github.com/lowaak/trainer-relay/internal/gatt"
)

// FakeCentral is an in-memory Central that records every call so tests can
// drive the event loop without a radio. Events are injected by the test
// itself; the fake never emits anything.
type FakeCentral struct {
	mu sync.Mutex

	Scanning     bool
	ScanServices []uint16
	Connects     []Addr
	Cancels      []Addr
	Disconnects  []Link
	Discovers    []FakeDiscover
	Subscribes   []FakeSubscribe
	Writes       []FakeWrite

	// Errors returned by the next matching call, then cleared.
	ConnectErr error
	WriteErr   error
}

type FakeDiscover struct {
	Link     Link
	Services []uint16
}

type FakeSubscribe struct {
	Link        Link
	ValueHandle uint16
	CCCHandle   uint16
	Mode        SubscribeMode
	Kind        gatt.ServiceKind
}

type FakeWrite struct {
	Link        Link
	ValueHandle uint16
	Value       []byte
}

var _ Central = (*FakeCentral)(nil)

func NewFakeCentral() *FakeCentral {
	return &FakeCentral{}
}

func (f *FakeCentral) StartScan(services []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scanning = true
	f.ScanServices = append([]uint16(nil), services...)
	return nil
}

func (f *FakeCentral) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scanning = false
	return nil
}

func (f *FakeCentral) Connect(addr Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ConnectErr; err != nil {
		f.ConnectErr = nil
		return err
	}
	f.Connects = append(f.Connects, addr)
	return nil
}

func (f *FakeCentral) CancelConnect(addr Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancels = append(f.Cancels, addr)
	return nil
}

func (f *FakeCentral) Disconnect(link Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnects = append(f.Disconnects, link)
	return nil
}

func (f *FakeCentral) Discover(link Link, services []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Discovers = append(f.Discovers, FakeDiscover{Link: link, Services: append([]uint16(nil), services...)})
	return nil
}

func (f *FakeCentral) Subscribe(link Link, valueHandle, cccHandle uint16, mode SubscribeMode, kind gatt.ServiceKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscribes = append(f.Subscribes, FakeSubscribe{
		Link:        link,
		ValueHandle: valueHandle,
		CCCHandle:   cccHandle,
		Mode:        mode,
		Kind:        kind,
	})
	return nil
}

func (f *FakeCentral) Write(link Link, valueHandle uint16, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.WriteErr; err != nil {
		f.WriteErr = nil
		return err
	}
	f.Writes = append(f.Writes, FakeWrite{
		Link:        link,
		ValueHandle: valueHandle,
		Value:       append([]byte(nil), value...),
	})
	return nil
}

// FakeUpstream records everything republished toward the console.
type FakeUpstream struct {
	mu sync.Mutex

	Notifies    []FakeNotify
	Indications [][]byte

	NotifyErr   error
	IndicateErr error
}

type FakeNotify struct {
	Mirror Mirror
	Value  []byte
}

var _ Upstream = (*FakeUpstream)(nil)

func NewFakeUpstream() *FakeUpstream {
	return &FakeUpstream{}
}

func (f *FakeUpstream) Notify(mirror Mirror, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.NotifyErr; err != nil {
		f.NotifyErr = nil
		return err
	}
	f.Notifies = append(f.Notifies, FakeNotify{Mirror: mirror, Value: append([]byte(nil), value...)})
	return nil
}

func (f *FakeUpstream) Indicate(value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.IndicateErr; err != nil {
		f.IndicateErr = nil
		return err
	}
	f.Indications = append(f.Indications, append([]byte(nil), value...))
	return nil
}

// LastNotify returns the most recent value republished on mirror, or nil.
func (f *FakeUpstream) LastNotify(mirror Mirror) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Notifies) - 1; i >= 0; i-- {
		if f.Notifies[i].Mirror == mirror {
			return f.Notifies[i].Value
		}
	}
	return nil
}
