package chatclient

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"legalchat/pkg/types"
)

// State is the lifecycle of one chat screen
type State int

const (
	StateLoading State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Delivery status of an entry
const (
	StatusSending     = "sending"
	StatusConfirmed   = "confirmed"
	StatusUnconfirmed = "unconfirmed"
)

// DefaultConfirmTimeout bounds how long an optimistic message shows as sending
const DefaultConfirmTimeout = 5 * time.Second

// Entry is one message as shown on screen
type Entry struct {
	ID        string
	TempID    string
	SenderID  string
	Content   string
	Seq       int64
	CreatedAt time.Time
	Sending   bool
	Status    string
}

// Failure is a send the gateway refused; the optimistic entry is gone
type Failure struct {
	TempID  string
	Content string
	Code    string
	Message string
}

// Notice is an error that is not tied to a pending send
type Notice struct {
	Code    string
	Message string
}

// HistoryFetcher loads persisted history pages
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, roomKey string, page types.Page) (*types.MessagePage, error)
}

// transport is the part of Client a controller relies on
type transport interface {
	send(event string, data interface{}) error
	self() string
	attach(ctl *Controller) error
	detach(ctl *Controller)
}

// ControllerOptions tune one controller
type ControllerOptions struct {
	History        HistoryFetcher
	ConfirmTimeout time.Duration
	PageLimit      int
}

// Controller keeps the optimistic message list of one room consistent with
// the gateway
// FUNCTIONAL DISCOVERY: an optimistic entry is matched by tempId from either
// new_message or message_sent, whichever arrives first, and later arrivals
// only fill in what is missing
type Controller struct {
	transport transport
	roomKey   string
	opts      ControllerOptions

	mu      sync.Mutex
	state   State
	entries []*Entry
	byTemp  map[string]*Entry
	byID    map[string]*Entry
	timers  map[string]*time.Timer
	typing  map[string]struct{}
	readBy  map[string]string
	page    int
	hasMore bool

	joinCh   chan error
	failures chan Failure
	notices  chan Notice
}

// Controller creates a controller for roomKey on this client
func (c *Client) Controller(roomKey string, opts ControllerOptions) *Controller {
	return newController(c, roomKey, opts)
}

func newController(t transport, roomKey string, opts ControllerOptions) *Controller {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = types.DefaultPageLimit
	}
	return &Controller{
		transport: t,
		roomKey:   roomKey,
		opts:      opts,
		state:     StateLoading,
		byTemp:    make(map[string]*Entry),
		byID:      make(map[string]*Entry),
		timers:    make(map[string]*time.Timer),
		typing:    make(map[string]struct{}),
		readBy:    make(map[string]string),
		joinCh:    make(chan error, 1),
		failures:  make(chan Failure, 32),
		notices:   make(chan Notice, 32),
	}
}

// Open joins the room and loads the newest history page
// There is no timeout besides ctx.
func (ctl *Controller) Open(ctx context.Context) error {
	ctl.mu.Lock()
	if ctl.state != StateLoading {
		ctl.mu.Unlock()
		return ErrNotReady
	}
	ctl.mu.Unlock()

	if err := ctl.transport.attach(ctl); err != nil {
		return err
	}

	if err := ctl.join(ctx); err != nil {
		ctl.shutdown()
		return err
	}

	if err := ctl.refreshHistory(ctx); err != nil {
		ctl.shutdown()
		return err
	}

	ctl.mu.Lock()
	if ctl.state == StateLoading {
		ctl.state = StateReady
	}
	ctl.mu.Unlock()
	return nil
}

func (ctl *Controller) join(ctx context.Context) error {
	select {
	case <-ctl.joinCh:
	default:
	}

	if err := ctl.transport.send(types.EventJoinChat, types.RoomRequest{RoomKey: ctl.roomKey}); err != nil {
		return err
	}

	select {
	case err := <-ctl.joinCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ctl *Controller) refreshHistory(ctx context.Context) error {
	if ctl.opts.History == nil {
		return nil
	}
	page, err := ctl.opts.History.FetchHistory(ctx, ctl.roomKey, types.Page{Number: 1, Limit: ctl.opts.PageLimit})
	if err != nil {
		return err
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.merge(page.Messages)
	if ctl.page == 0 {
		ctl.page = 1
		ctl.hasMore = page.HasMore
	}
	return nil
}

// LoadOlder fetches the next older history page. It reports whether more
// pages remain.
func (ctl *Controller) LoadOlder(ctx context.Context) (bool, error) {
	ctl.mu.Lock()
	if ctl.state != StateReady {
		ctl.mu.Unlock()
		return false, ErrNotReady
	}
	if !ctl.hasMore || ctl.opts.History == nil {
		ctl.mu.Unlock()
		return false, nil
	}
	next := ctl.page + 1
	ctl.mu.Unlock()

	page, err := ctl.opts.History.FetchHistory(ctx, ctl.roomKey, types.Page{Number: next, Limit: ctl.opts.PageLimit})
	if err != nil {
		return false, err
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.merge(page.Messages)
	ctl.page = next
	ctl.hasMore = page.HasMore
	return ctl.hasMore, nil
}

// resume re-joins after a reconnect and merges anything missed
func (ctl *Controller) resume(ctx context.Context) {
	if ctl.State() == StateClosed {
		return
	}
	if err := ctl.transport.send(types.EventJoinChat, types.RoomRequest{RoomKey: ctl.roomKey}); err != nil {
		return
	}
	_ = ctl.refreshHistory(ctx)
}

// Send appends an optimistic entry and submits it. No retry is attempted;
// an entry that is never confirmed stays on screen as unconfirmed.
func (ctl *Controller) Send(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", types.ErrEmptyContent
	}

	ctl.mu.Lock()
	if ctl.state != StateReady {
		ctl.mu.Unlock()
		return "", ErrNotReady
	}

	tempID := "tmp-" + uuid.NewString()
	entry := &Entry{
		TempID:    tempID,
		SenderID:  ctl.transport.self(),
		Content:   trimmed,
		CreatedAt: time.Now().UTC(),
		Sending:   true,
		Status:    StatusSending,
	}
	ctl.entries = append(ctl.entries, entry)
	ctl.byTemp[tempID] = entry
	ctl.mu.Unlock()

	err := ctl.transport.send(types.EventSendMessage, types.SendMessageRequest{
		RoomKey: ctl.roomKey,
		Content: trimmed,
		TempID:  tempID,
	})
	if err != nil {
		ctl.mu.Lock()
		ctl.remove(entry)
		ctl.mu.Unlock()
		return "", err
	}

	ctl.mu.Lock()
	if entry.Sending {
		ctl.timers[tempID] = time.AfterFunc(ctl.opts.ConfirmTimeout, func() { ctl.expire(tempID) })
	}
	ctl.mu.Unlock()

	return tempID, nil
}

// SetTyping announces typing start or stop
func (ctl *Controller) SetTyping(typing bool) error {
	if ctl.State() != StateReady {
		return ErrNotReady
	}
	event := types.EventTypingStop
	if typing {
		event = types.EventTypingStart
	}
	return ctl.transport.send(event, types.RoomRequest{RoomKey: ctl.roomKey})
}

// Close leaves the room; later events for it are ignored
func (ctl *Controller) Close() error {
	ctl.mu.Lock()
	if ctl.state == StateClosed {
		ctl.mu.Unlock()
		return nil
	}
	ctl.mu.Unlock()

	err := ctl.transport.send(types.EventLeaveChat, types.RoomRequest{RoomKey: ctl.roomKey})
	ctl.shutdown()
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

func (ctl *Controller) shutdown() {
	ctl.mu.Lock()
	ctl.state = StateClosed
	for id, timer := range ctl.timers {
		timer.Stop()
		delete(ctl.timers, id)
	}
	ctl.mu.Unlock()
	ctl.transport.detach(ctl)
}

// expire clears the sending flag of an entry the gateway never confirmed
func (ctl *Controller) expire(tempID string) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	delete(ctl.timers, tempID)
	if entry, ok := ctl.byTemp[tempID]; ok && entry.Sending {
		entry.Sending = false
		entry.Status = StatusUnconfirmed
	}
}

// handle applies one room-scoped event from the gateway
func (ctl *Controller) handle(env *types.Envelope) {
	ctl.mu.Lock()
	if ctl.state == StateClosed {
		ctl.mu.Unlock()
		return
	}
	ctl.mu.Unlock()

	switch env.Event {
	case types.EventChatJoined:
		ctl.signalJoin(nil)

	case types.EventNewMessage:
		var msg types.NewMessage
		if err := env.Decode(&msg); err == nil {
			ctl.onNewMessage(msg)
		}

	case types.EventMessageSent:
		var sent types.MessageSent
		if err := env.Decode(&sent); err == nil {
			ctl.onMessageSent(sent)
		}

	case types.EventError:
		var e types.ErrorEvent
		if err := env.Decode(&e); err == nil {
			ctl.onError(e)
		}

	case types.EventUserTyping, types.EventUserStopTyping, types.EventUserOffline:
		var ev types.UserEvent
		if err := env.Decode(&ev); err == nil {
			ctl.mu.Lock()
			if env.Event == types.EventUserTyping {
				ctl.typing[ev.UserID] = struct{}{}
			} else {
				delete(ctl.typing, ev.UserID)
			}
			ctl.mu.Unlock()
		}

	case types.EventMessagesRead:
		var read types.MessagesRead
		if err := env.Decode(&read); err == nil && read.MessageID != "" {
			ctl.mu.Lock()
			ctl.readBy[read.ReadBy] = read.MessageID
			ctl.mu.Unlock()
		}
	}
}

func (ctl *Controller) onNewMessage(msg types.NewMessage) {
	self := ctl.transport.self()

	ctl.mu.Lock()
	if existing, ok := ctl.byID[msg.ID]; ok {
		// confirmed by message_sent first; fill in what the broadcast adds
		existing.Seq = msg.Seq
		existing.CreatedAt = msg.CreatedAt
		ctl.order()
		ctl.mu.Unlock()
		return
	}

	if entry, ok := ctl.byTemp[msg.TempID]; ok && msg.TempID != "" && entry.ID == "" {
		entry.ID = msg.ID
		entry.Seq = msg.Seq
		entry.Content = msg.Content
		entry.CreatedAt = msg.CreatedAt
		ctl.confirm(entry)
		ctl.order()
		ctl.mu.Unlock()
		return
	}

	entry := &Entry{
		ID:        msg.ID,
		SenderID:  msg.Sender.UserID,
		Content:   msg.Content,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
		Status:    StatusConfirmed,
	}
	ctl.insert(entry)
	delete(ctl.typing, msg.Sender.UserID)
	markRead := ctl.state == StateReady && msg.Sender.UserID != self
	ctl.mu.Unlock()

	if markRead {
		_ = ctl.transport.send(types.EventMarkRead, types.MarkReadRequest{
			RoomKey:    ctl.roomKey,
			MessageIDs: []string{msg.ID},
		})
	}
}

func (ctl *Controller) onMessageSent(sent types.MessageSent) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	entry, ok := ctl.byTemp[sent.TempID]
	if !ok || sent.TempID == "" {
		return
	}
	if entry.ID == "" {
		entry.ID = sent.MessageID
		entry.CreatedAt = sent.Timestamp
	}
	ctl.confirm(entry)
}

func (ctl *Controller) onError(e types.ErrorEvent) {
	ctl.mu.Lock()
	if ctl.state == StateLoading && e.TempID == "" {
		ctl.mu.Unlock()
		ctl.signalJoin(&JoinError{Code: e.Code, Message: e.Message})
		return
	}

	if entry, ok := ctl.byTemp[e.TempID]; ok && e.TempID != "" && entry.ID == "" {
		ctl.remove(entry)
		ctl.mu.Unlock()
		ctl.push(Failure{TempID: e.TempID, Content: entry.Content, Code: e.Code, Message: e.Message})
		return
	}
	ctl.mu.Unlock()

	select {
	case ctl.notices <- Notice{Code: e.Code, Message: e.Message}:
	default:
	}
}

func (ctl *Controller) push(f Failure) {
	select {
	case ctl.failures <- f:
	default:
	}
}

func (ctl *Controller) signalJoin(err error) {
	select {
	case ctl.joinCh <- err:
	default:
	}
}

// confirm marks entry delivered; caller holds mu
func (ctl *Controller) confirm(entry *Entry) {
	entry.Sending = false
	entry.Status = StatusConfirmed
	ctl.byID[entry.ID] = entry
	if timer, ok := ctl.timers[entry.TempID]; ok {
		timer.Stop()
		delete(ctl.timers, entry.TempID)
	}
}

// insert places a persisted entry by seq; caller holds mu
func (ctl *Controller) insert(entry *Entry) {
	ctl.byID[entry.ID] = entry
	ctl.entries = append(ctl.entries, entry)
	ctl.order()
}

// merge adds history messages not yet present; caller holds mu
// FUNCTIONAL DISCOVERY: a send persisted just before a disconnect comes back
// only through history, so it confirms the matching optimistic entry
func (ctl *Controller) merge(messages []*types.Message) {
	self := ctl.transport.self()
	added := false
	for _, m := range messages {
		if _, exists := ctl.byID[m.ID]; exists {
			continue
		}
		if m.SenderID == self {
			if pending := ctl.pendingMatch(m.Content); pending != nil {
				pending.ID = m.ID
				pending.Seq = m.Seq
				pending.CreatedAt = m.CreatedAt
				ctl.confirm(pending)
				added = true
				continue
			}
		}
		entry := &Entry{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Seq:       m.Seq,
			CreatedAt: m.CreatedAt,
			Status:    StatusConfirmed,
		}
		ctl.byID[m.ID] = entry
		ctl.entries = append(ctl.entries, entry)
		added = true
	}
	if added {
		ctl.order()
	}
}

// pendingMatch returns the oldest unreconciled own entry with content;
// caller holds mu
func (ctl *Controller) pendingMatch(content string) *Entry {
	for _, e := range ctl.entries {
		if e.ID == "" && e.TempID != "" && e.Content == content {
			return e
		}
	}
	return nil
}

// order sorts sequenced entries by seq; entries still waiting for a seq keep
// their relative order after them
func (ctl *Controller) order() {
	sort.SliceStable(ctl.entries, func(i, j int) bool {
		a, b := ctl.entries[i], ctl.entries[j]
		if a.Seq == 0 || b.Seq == 0 {
			return a.Seq != 0 && b.Seq == 0
		}
		return a.Seq < b.Seq
	})
}

// remove drops an optimistic entry; caller holds mu
func (ctl *Controller) remove(entry *Entry) {
	for i, e := range ctl.entries {
		if e == entry {
			ctl.entries = append(ctl.entries[:i], ctl.entries[i+1:]...)
			break
		}
	}
	delete(ctl.byTemp, entry.TempID)
	if timer, ok := ctl.timers[entry.TempID]; ok {
		timer.Stop()
		delete(ctl.timers, entry.TempID)
	}
}

// Messages returns a snapshot of the list as shown on screen
func (ctl *Controller) Messages() []Entry {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	out := make([]Entry, len(ctl.entries))
	for i, e := range ctl.entries {
		out[i] = *e
	}
	return out
}

// State reports the lifecycle state
func (ctl *Controller) State() State {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.state
}

// Typing returns the users currently typing, sorted
func (ctl *Controller) Typing() []string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	users := make([]string, 0, len(ctl.typing))
	for u := range ctl.typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// LastReadBy returns the newest message id userID is known to have read
func (ctl *Controller) LastReadBy(userID string) string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.readBy[userID]
}

// RoomKey identifies the controller's room
func (ctl *Controller) RoomKey() string { return ctl.roomKey }

// Failures yields refused sends
func (ctl *Controller) Failures() <-chan Failure { return ctl.failures }

// Notices yields errors unrelated to a pending send
func (ctl *Controller) Notices() <-chan Notice { return ctl.notices }
