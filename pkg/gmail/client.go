package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailtriage/internal/mail"
	"mailtriage/pkg/logger"
)

const (
	me             = "me"
	defaultTimeout = 30 * time.Second
)

// Options tune the gateway. Breaker and Limiter may be shared across
// per-request services so the whole process backs off together.
type Options struct {
	Timeout time.Duration
	Breaker *gobreaker.CircuitBreaker
	Limiter *rate.Limiter
}

// NewBreaker returns the circuit breaker used for Gmail calls.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.L().Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Service is the Gmail implementation of mail.Provider.
type Service struct {
	api     *gmail.Service
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewService(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*Service, error) {
	api, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker("gmail-api")
	}
	return &Service{
		api:     api,
		timeout: opts.Timeout,
		cb:      opts.Breaker,
		limiter: opts.Limiter,
	}, nil
}

// nonCircuitError carries client errors through the breaker without counting them as failures.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

// call runs fn with its own timeout, rate pacing and breaker protection, and
// converts the outcome into a mail.ProviderError.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		if err := fn(callCtx); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 400, 401, 403, 404, 409:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}
	if err != nil {
		logger.L().Debug("Gmail call failed",
			zap.String("op", op),
			zap.String("breaker_state", s.cb.State().String()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return wrapError(op, err)
	}
	return nil
}

// wrapError maps Gmail API failures onto provider error kinds.
func wrapError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return mail.NewError(op, mail.KindAuth, err)
		case 403:
			if strings.Contains(strings.ToLower(apiErr.Message), "rate limit") {
				return mail.NewError(op, mail.KindRateLimit, err)
			}
			return mail.NewError(op, mail.KindAuth, err)
		case 404:
			return mail.NewError(op, mail.KindNotFound, err)
		case 409:
			return mail.NewError(op, mail.KindConflict, err)
		case 429:
			return mail.NewError(op, mail.KindRateLimit, err)
		}
		if apiErr.Code >= 500 {
			return mail.NewError(op, mail.KindServer, err)
		}
		return &mail.ProviderError{Kind: mail.KindServer, Op: op, Err: err}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return mail.NewError(op, mail.KindServer, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) Profile(ctx context.Context) (string, error) {
	var email string
	err := s.call(ctx, "get profile", func(ctx context.Context) error {
		res, err := s.api.Users.GetProfile(me).Context(ctx).Do()
		if err != nil {
			return err
		}
		email = res.EmailAddress
		return nil
	})
	return email, err
}

// ListMessages returns one page of message ids matching query.
func (s *Service) ListMessages(ctx context.Context, query, pageToken string, pageSize int) ([]string, string, error) {
	pageSize = mail.ClampPageSize(pageSize)

	var (
		ids  []string
		next string
	)
	err := s.call(ctx, "list messages", func(ctx context.Context) error {
		call := s.api.Users.Messages.List(me).MaxResults(int64(pageSize))
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(res.Messages))
		for _, m := range res.Messages {
			ids = append(ids, m.Id)
		}
		next = res.NextPageToken
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	logger.L().Debug("Listed message page",
		zap.Int("page_size", pageSize),
		zap.Int("count", len(ids)),
		zap.Bool("has_next", next != ""),
	)
	return ids, next, nil
}

func (s *Service) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	var msg *gmail.Message
	err := s.call(ctx, "get message", func(ctx context.Context) error {
		res, err := s.api.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msg = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

func (s *Service) ListLabels(ctx context.Context) ([]mail.Label, error) {
	var labels []mail.Label
	err := s.call(ctx, "list labels", func(ctx context.Context) error {
		res, err := s.api.Users.Labels.List(me).Context(ctx).Do()
		if err != nil {
			return err
		}
		labels = make([]mail.Label, 0, len(res.Labels))
		for _, l := range res.Labels {
			labels = append(labels, mail.Label{ID: l.Id, Name: l.Name, Type: l.Type})
		}
		return nil
	})
	return labels, err
}

// CreateLabel creates a user label. When a label with the same name already
// exists its id is returned instead.
func (s *Service) CreateLabel(ctx context.Context, name, color string) (string, error) {
	label := &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	if color != "" {
		label.Color = &gmail.LabelColor{BackgroundColor: color, TextColor: "#ffffff"}
	}

	var id string
	err := s.call(ctx, "create label", func(ctx context.Context) error {
		res, err := s.api.Users.Labels.Create(me, label).Context(ctx).Do()
		if err != nil {
			return err
		}
		id = res.Id
		return nil
	})
	if err == nil {
		logger.L().Info("Created label", zap.String("label_name", name), zap.String("label_id", id))
		return id, nil
	}
	if !mail.IsConflict(err) {
		return "", err
	}

	labels, lerr := s.ListLabels(ctx)
	if lerr != nil {
		return "", fmt.Errorf("resolve existing label %q: %w", name, lerr)
	}
	for _, l := range labels {
		if l.Name == name {
			return l.ID, nil
		}
	}
	return "", err
}

func (s *Service) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	return s.modifyLabels(ctx, "apply label", messageID, []string{labelID}, nil)
}

func (s *Service) RemoveLabel(ctx context.Context, messageID, labelID string) error {
	return s.modifyLabels(ctx, "remove label", messageID, nil, []string{labelID})
}

func (s *Service) modifyLabels(ctx context.Context, op, messageID string, add, remove []string) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	return s.call(ctx, op, func(ctx context.Context) error {
		_, err := s.api.Users.Messages.Modify(me, messageID, req).Context(ctx).Do()
		return err
	})
}

// CircuitState reports the breaker state for health output.
func (s *Service) CircuitState() string {
	return s.cb.State().String()
}

func convertMessage(msg *gmail.Message) *mail.Message {
	out := &mail.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		out.Timestamp = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return out
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			out.Subject = h.Value
		case "from":
			out.Sender = h.Value
		}
	}

	var plain, html string
	extractBody(msg.Payload, &plain, &html)
	switch {
	case plain != "":
		out.Body = plain
	case html != "":
		out.Body = html
	}
	return out
}

// extractBody walks the MIME tree keeping the first text/plain and text/html parts.
func extractBody(part *gmail.MessagePart, plain, html *string) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if *plain == "" {
				*plain = decodeData(part.Body.Data)
			}
		case "text/html":
			if *html == "" {
				*html = decodeData(part.Body.Data)
			}
		}
	}
	for _, p := range part.Parts {
		extractBody(p, plain, html)
	}
}

func decodeData(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

var _ mail.Provider = (*Service)(nil)
