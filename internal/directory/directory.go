package directory

import (
	"sync"

	"outpost/internal/metrics"
)

const defaultMailboxSize = 128

// Subscriber is an addressable handle for broadcast deliveries. One
// handle may be registered under several monitor names; within a name
// it is counted once regardless of how many times it joins.
type Subscriber struct {
	mailbox chan Message
}

// Messages is the subscriber's bounded mailbox. Deliveries that find it
// full are dropped rather than blocking the dispatcher.
func (sub *Subscriber) Messages() <-chan Message {
	return sub.mailbox
}

// Options configures a Directory.
type Options struct {
	// MailboxSize bounds each subscriber's mailbox. Defaults to 128.
	MailboxSize int

	Metrics *metrics.Registry
}

// Directory is a concurrent multimap from monitor name to subscriber
// set. Its lifetime is independent of any monitor: entries persist
// across a monitor stopping and a new one starting under the same
// name, so existing subscribers keep receiving without re-subscribing.
type Directory struct {
	mu          sync.Mutex
	members     map[string]map[*Subscriber]struct{}
	mailboxSize int
	registry    *metrics.Registry
}

// New creates an empty directory.
func New(options Options) *Directory {
	mailboxSize := options.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	return &Directory{
		members:     make(map[string]map[*Subscriber]struct{}),
		mailboxSize: mailboxSize,
		registry:    registry,
	}
}

var (
	defaultOnce sync.Once
	defaultDir  *Directory
)

// Default is the process-wide directory, created lazily on first use
// and never torn down.
func Default() *Directory {
	defaultOnce.Do(func() {
		defaultDir = New(Options{})
	})
	return defaultDir
}

// Subscribe creates a fresh subscriber and registers it under name.
func (dir *Directory) Subscribe(name string) *Subscriber {
	if dir == nil {
		return nil
	}
	sub := &Subscriber{mailbox: make(chan Message, dir.mailboxSize)}
	dir.Add(name, sub)
	return sub
}

// Add registers an existing subscriber under name. Adding a handle
// that is already a member is a no-op.
func (dir *Directory) Add(name string, sub *Subscriber) {
	if dir == nil || name == "" || sub == nil {
		return
	}
	dir.mu.Lock()
	set, ok := dir.members[name]
	if !ok {
		set = make(map[*Subscriber]struct{})
		dir.members[name] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	dir.mu.Unlock()

	dir.registry.SetSubscriberCount(name, count)
}

// Unsubscribe removes a subscriber from name's member set. Removing a
// handle that is not a member is a no-op.
func (dir *Directory) Unsubscribe(name string, sub *Subscriber) {
	if dir == nil || name == "" || sub == nil {
		return
	}
	dir.mu.Lock()
	set := dir.members[name]
	delete(set, sub)
	count := len(set)
	if count == 0 {
		delete(dir.members, name)
	}
	dir.mu.Unlock()

	dir.registry.SetSubscriberCount(name, count)
}

// Dispatch delivers msg to every current subscriber of name, each
// exactly once. Delivery is fire-and-forget: a full mailbox drops the
// message for that subscriber so a stalled consumer never blocks the
// dispatcher or the connection read loop behind it.
func (dir *Directory) Dispatch(name string, msg Message) {
	if dir == nil || name == "" || msg == nil {
		return
	}

	dir.mu.Lock()
	set := dir.members[name]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	dir.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.mailbox <- msg:
			dir.registry.IncDispatched(name)
		default:
			dir.registry.IncDropped(name)
		}
	}
}

// SubscriberCount reports the current member count for name.
func (dir *Directory) SubscriberCount(name string) int {
	if dir == nil {
		return 0
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	return len(dir.members[name])
}
