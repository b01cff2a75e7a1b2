// Package sourcetest provides an in-memory source.Source for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"guild-archiver/models"
	"guild-archiver/source"
)

// PageRequest records one FetchHistoryPage call.
type PageRequest struct {
	ChannelID string
	BeforeID  string
	Limit     int
	Returned  int
}

// Fake is a scripted, concurrency-safe upstream.
type Fake struct {
	mu sync.Mutex

	// FetchDelay is slept inside every FetchHistoryPage call.
	FetchDelay time.Duration
	// OnFetch runs at the start of every FetchHistoryPage call, outside the lock.
	OnFetch func(channelID string)

	channels   []models.Channel
	histories  map[string][]models.Message // newest first
	live       map[string]models.Message   // messages only reachable through FetchMessage
	deleted    map[string]bool
	members    map[string]models.GuildMember
	memberErr  map[string]error
	memberErrs map[string][]error
	pageErrs   map[string][]error
	stickyErr  map[string]error
	verifyErr  map[string]error

	requests    []PageRequest
	inFlight    int
	maxInFlight int
	statusLog   []string
	nextStatus  int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		histories:  make(map[string][]models.Message),
		live:       make(map[string]models.Message),
		deleted:    make(map[string]bool),
		members:    make(map[string]models.GuildMember),
		memberErr:  make(map[string]error),
		memberErrs: make(map[string][]error),
		pageErrs:   make(map[string][]error),
		stickyErr:  make(map[string]error),
		verifyErr:  make(map[string]error),
	}
}

var _ source.Source = (*Fake)(nil)

// AddChannel registers a visible channel with its history.
func (f *Fake) AddChannel(ch models.Channel, history []models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, ch)
	sorted := append([]models.Message(nil), history...)
	sort.Slice(sorted, func(i, j int) bool { return models.OlderID(sorted[j].MessageID, sorted[i].MessageID) })
	f.histories[ch.ID] = sorted
}

// AddLiveMessage makes m visible to FetchMessage without adding it to history pages.
func (f *Fake) AddLiveMessage(m models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[m.MessageID] = m
}

// DeleteMessage makes FetchMessage report messageID as gone.
func (f *Fake) DeleteMessage(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[messageID] = true
}

// FailVerify makes FetchMessage return err for messageID until cleared with nil.
func (f *Fake) FailVerify(messageID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.verifyErr, messageID)
		return
	}
	f.verifyErr[messageID] = err
}

// FailNextPage queues err to be returned by the next history fetch of channelID.
func (f *Fake) FailNextPage(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageErrs[channelID] = append(f.pageErrs[channelID], err)
}

// FailPagesAfter makes every history fetch of channelID fail with err once the queue is empty.
func (f *Fake) FailPagesAfter(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stickyErr[channelID] = err
}

// AddMember marks a member as currently present.
func (f *Fake) AddMember(m models.GuildMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.MemberID] = m
}

// FailMember makes FetchCurrentMember return err for memberID.
func (f *Fake) FailMember(memberID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberErr[memberID] = err
}

// FailMemberOnce queues err for the next FetchCurrentMember call for memberID.
func (f *Fake) FailMemberOnce(memberID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberErrs[memberID] = append(f.memberErrs[memberID], err)
}

// Requests returns every history page request so far, in call order.
func (f *Fake) Requests() []PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PageRequest(nil), f.requests...)
}

// RequestsFor returns the page requests made for one channel.
func (f *Fake) RequestsFor(channelID string) []PageRequest {
	var out []PageRequest
	for _, r := range f.Requests() {
		if r.ChannelID == channelID {
			out = append(out, r)
		}
	}
	return out
}

// MaxInFlight is the highest number of concurrent history fetches observed.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// StatusLog returns every posted or edited status text.
func (f *Fake) StatusLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statusLog...)
}

// FetchHistoryPage implements source.HistorySource.
func (f *Fake) FetchHistoryPage(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	if f.OnFetch != nil {
		f.OnFetch(channelID)
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.FetchDelay > 0 {
		select {
		case <-time.After(f.FetchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	req := PageRequest{ChannelID: channelID, BeforeID: beforeID, Limit: limit}
	if queued := f.pageErrs[channelID]; len(queued) > 0 {
		f.pageErrs[channelID] = queued[1:]
		f.requests = append(f.requests, req)
		return nil, queued[0]
	}
	if err := f.stickyErr[channelID]; err != nil {
		f.requests = append(f.requests, req)
		return nil, err
	}
	history, ok := f.histories[channelID]
	if !ok {
		f.requests = append(f.requests, req)
		return nil, fmt.Errorf("channel %s: %w", channelID, source.ErrNotFound)
	}

	var page []models.Message
	for _, m := range history {
		if beforeID != "" && !models.OlderID(m.MessageID, beforeID) {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	req.Returned = len(page)
	f.requests = append(f.requests, req)
	return page, nil
}

// FetchMessage implements source.MessageVerifier.
func (f *Fake) FetchMessage(_ context.Context, channelID, messageID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.verifyErr[messageID]; err != nil {
		return nil, err
	}
	if f.deleted[messageID] {
		return nil, fmt.Errorf("message %s: %w", messageID, source.ErrNotFound)
	}
	if m, ok := f.live[messageID]; ok {
		return &m, nil
	}
	for _, m := range f.histories[channelID] {
		if m.MessageID == messageID {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, source.ErrNotFound)
}

// FetchCurrentMember implements source.MemberLookup.
func (f *Fake) FetchCurrentMember(_ context.Context, _, memberID string) (*models.GuildMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.memberErrs[memberID]; len(queued) > 0 {
		f.memberErrs[memberID] = queued[1:]
		return nil, queued[0]
	}
	if err := f.memberErr[memberID]; err != nil {
		return nil, err
	}
	m, ok := f.members[memberID]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", memberID, source.ErrNotFound)
	}
	return &m, nil
}

// MemberCount implements source.MemberLookup.
func (f *Fake) MemberCount(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members), nil
}

// ListVisibleTextChannels implements source.ChannelLister.
func (f *Fake) ListVisibleTextChannels(context.Context, string) ([]models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Channel(nil), f.channels...), nil
}

// PostStatusMessage implements source.StatusEditor.
func (f *Fake) PostStatusMessage(_ context.Context, channelID, text string) (source.StatusRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextStatus++
	f.statusLog = append(f.statusLog, text)
	return source.StatusRef{ChannelID: channelID, MessageID: strconv.Itoa(f.nextStatus)}, nil
}

// EditStatusMessage implements source.StatusEditor.
func (f *Fake) EditStatusMessage(_ context.Context, _ source.StatusRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusLog = append(f.statusLog, text)
	return nil
}

// History builds n messages for channelID, oldest first, one second apart from start.
// Every botEvery-th message (1-based) has a bot author; zero disables bots.
func History(channelID string, firstID int64, n int, start time.Time, botEvery int) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		author := fmt.Sprintf("user-%d", i%5)
		isBot := botEvery > 0 && (i+1)%botEvery == 0
		if isBot {
			author = "bot"
		}
		out = append(out, models.Message{
			MessageID:    strconv.FormatInt(firstID+int64(i), 10),
			ChannelID:    channelID,
			Content:      fmt.Sprintf("message %d", i),
			AuthorID:     author,
			AuthorName:   author,
			AuthorIsBot:  isBot,
			Timestamp:    ts.UnixMilli(),
			TimestampISO: ts.UTC().Format(time.RFC3339Nano),
			Attachments:  "[]",
			Embeds:       "[]",
			Reactions:    "[]",
			RoleMentions: "[]",
		})
	}
	return out
}
