// Package mailtest provides an in-memory mail.Provider for tests.
package mailtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"mailtriage/internal/mail"
)

// LabelCall records one ApplyLabel or RemoveLabel invocation.
type LabelCall struct {
	MessageID string
	LabelID   string
}

// Provider is a thread-safe fake mailbox. Hooks let tests inject failures;
// a hook returning nil lets the call proceed normally.
type Provider struct {
	mu sync.Mutex

	Account  string
	order    []string
	messages map[string]*mail.Message
	labels   []mail.Label
	nextID   int

	ProfileErr   error
	ListLabelErr error
	ListErr      func(pageToken string) error
	GetErr       func(id string) error
	ApplyErr     func(call int, messageID, labelID string) error
	RemoveErr    func(messageID, labelID string) error
	// DropApply makes ApplyLabel report success without persisting the label.
	DropApply bool

	ListCalls   int
	CreateCalls int
	ApplyCalls  []LabelCall
	RemoveCalls []LabelCall
}

// New returns an empty fake for account "me@example.com".
func New() *Provider {
	return &Provider{
		Account:  "me@example.com",
		messages: make(map[string]*mail.Message),
	}
}

// AddMessage appends a message in provider order.
func (p *Provider) AddMessage(m mail.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := m
	cp.LabelIDs = append([]string(nil), m.LabelIDs...)
	if _, ok := p.messages[m.ID]; !ok {
		p.order = append(p.order, m.ID)
	}
	p.messages[m.ID] = &cp
}

// AddLabel registers an existing label and returns its id.
func (p *Provider) AddLabel(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLabelLocked(name)
}

func (p *Provider) addLabelLocked(name string) string {
	p.nextID++
	id := "Label_" + strconv.Itoa(p.nextID)
	p.labels = append(p.labels, mail.Label{ID: id, Name: name, Type: "user"})
	return id
}

// DeleteLabel removes a label out-of-band.
func (p *Provider) DeleteLabel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.labels {
		if l.ID == id {
			p.labels = append(p.labels[:i], p.labels[i+1:]...)
			return
		}
	}
}

// LabelID returns the id of the label with the given name.
func (p *Provider) LabelID(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.labels {
		if l.Name == name {
			return l.ID, true
		}
	}
	return "", false
}

// MessageLabels returns a copy of the labels currently set on a message.
func (p *Provider) MessageLabels(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.messages[id]
	if !ok {
		return nil
	}
	out := append([]string(nil), m.LabelIDs...)
	sort.Strings(out)
	return out
}

// ApplyCount returns the number of ApplyLabel calls so far.
func (p *Provider) ApplyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ApplyCalls)
}

func (p *Provider) Profile(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProfileErr != nil {
		return "", p.ProfileErr
	}
	return p.Account, nil
}

// ListMessages pages through messages using the decimal offset as page token.
func (p *Provider) ListMessages(ctx context.Context, query, pageToken string, pageSize int) ([]string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListCalls++
	if p.ListErr != nil {
		if err := p.ListErr(pageToken); err != nil {
			return nil, "", err
		}
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", mail.NewError("list messages", mail.KindNotFound, fmt.Errorf("bad page token %q", pageToken))
		}
		offset = n
	}
	pageSize = mail.ClampPageSize(pageSize)
	if offset >= len(p.order) {
		return nil, "", nil
	}
	end := offset + pageSize
	if end > len(p.order) {
		end = len(p.order)
	}
	ids := append([]string(nil), p.order[offset:end]...)
	next := ""
	if end < len(p.order) {
		next = strconv.Itoa(end)
	}
	return ids, next, nil
}

func (p *Provider) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GetErr != nil {
		if err := p.GetErr(id); err != nil {
			return nil, err
		}
	}
	m, ok := p.messages[id]
	if !ok {
		return nil, mail.NewError("get message", mail.KindNotFound, fmt.Errorf("message %s", id))
	}
	cp := *m
	cp.LabelIDs = append([]string(nil), m.LabelIDs...)
	return &cp, nil
}

func (p *Provider) ListLabels(ctx context.Context) ([]mail.Label, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListLabelErr != nil {
		return nil, p.ListLabelErr
	}
	return append([]mail.Label(nil), p.labels...), nil
}

func (p *Provider) CreateLabel(ctx context.Context, name, color string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls++
	for _, l := range p.labels {
		if l.Name == name {
			return l.ID, nil
		}
	}
	return p.addLabelLocked(name), nil
}

func (p *Provider) labelExistsLocked(id string) bool {
	for _, l := range p.labels {
		if l.ID == id {
			return true
		}
	}
	return false
}

func (p *Provider) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ApplyCalls = append(p.ApplyCalls, LabelCall{MessageID: messageID, LabelID: labelID})
	if p.ApplyErr != nil {
		if err := p.ApplyErr(len(p.ApplyCalls), messageID, labelID); err != nil {
			return err
		}
	}
	m, ok := p.messages[messageID]
	if !ok {
		return mail.NewError("apply label", mail.KindNotFound, fmt.Errorf("message %s", messageID))
	}
	if !p.labelExistsLocked(labelID) {
		return mail.NewError("apply label", mail.KindNotFound, fmt.Errorf("label %s", labelID))
	}
	if p.DropApply || m.HasLabel(labelID) {
		return nil
	}
	m.LabelIDs = append(m.LabelIDs, labelID)
	return nil
}

func (p *Provider) RemoveLabel(ctx context.Context, messageID, labelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RemoveCalls = append(p.RemoveCalls, LabelCall{MessageID: messageID, LabelID: labelID})
	if p.RemoveErr != nil {
		if err := p.RemoveErr(messageID, labelID); err != nil {
			return err
		}
	}
	m, ok := p.messages[messageID]
	if !ok {
		return mail.NewError("remove label", mail.KindNotFound, fmt.Errorf("message %s", messageID))
	}
	kept := m.LabelIDs[:0]
	for _, id := range m.LabelIDs {
		if id != labelID {
			kept = append(kept, id)
		}
	}
	m.LabelIDs = kept
	return nil
}

var _ mail.Provider = (*Provider)(nil)
