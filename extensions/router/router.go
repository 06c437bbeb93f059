// Package router dispatches deliveries received by an mqlight client to
// handlers selected by topic, destination and annotations.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/vitalvas/mqlight"
)

// ErrNoRoute is returned by Route when no handler matches a delivery.
var ErrNoRoute = errors.New("router: no handler for delivery")

// Handler processes a delivery. Returning nil lets the router confirm it.
type Handler func(ctx context.Context, d *mqlight.Delivery) error

// annotationMatcher holds regexp patterns for matching one annotation.
type annotationMatcher struct {
	keyPattern   *regexp.Regexp
	valuePattern *regexp.Regexp
}

// Condition defines filtering criteria for delivery routing.
type Condition struct {
	topicFilter  *string
	topicPattern *string
	share        *string
	qos          *mqlight.QoS
	topicRegexp  *regexp.Regexp
	annotations  []annotationMatcher
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for delivery matching.
// Supports wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithTopicPattern matches deliveries received through the subscription to pattern.
func WithTopicPattern(pattern string) ConditionOption {
	return func(c *Condition) {
		c.topicPattern = &pattern
	}
}

// WithShare filters deliveries by share name. An empty name matches private destinations.
func WithShare(share string) ConditionOption {
	return func(c *Condition) {
		c.share = &share
	}
}

// WithQoS filters deliveries by the QoS of their destination.
func WithQoS(qos mqlight.QoS) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithTopicRegexp filters deliveries by a topic regexp.
func WithTopicRegexp(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.topicRegexp = pattern
	}
}

// WithAnnotation filters deliveries by annotation key/value regexp patterns.
// Values are matched in their fmt %v form. Can be called multiple times;
// every matcher must find an annotation.
func WithAnnotation(keyPattern, valuePattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.annotations = append(c.annotations, annotationMatcher{
			keyPattern:   keyPattern,
			valuePattern: valuePattern,
		})
	}
}

// registration holds a handler with its conditions.
type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches deliveries to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
	logger   mqlight.Logger
	onError  func(d *mqlight.Delivery, err error)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for routing failures.
func WithLogger(logger mqlight.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithErrorHandler sets the function Run calls when routing a delivery fails.
func WithErrorHandler(fn func(d *mqlight.Delivery, err error)) Option {
	return func(r *Router) {
		r.onError = fn
	}
}

// New creates a new Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make([]registration, 0),
		logger:   mqlight.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithShare("workers"))
//	r.Handle(handler, WithTopicRegexp(regexp.MustCompile(`/alarm$`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

// matches checks if a condition matches the delivery.
func (c *Condition) matches(d *mqlight.Delivery) bool {
	if c.topicFilter != nil && !mqlight.TopicMatch(*c.topicFilter, d.Topic) {
		return false
	}
	if c.topicPattern != nil && *c.topicPattern != d.TopicPattern {
		return false
	}
	if c.share != nil && *c.share != d.Share {
		return false
	}
	if c.qos != nil && *c.qos != d.QoS {
		return false
	}
	if c.topicRegexp != nil && !c.topicRegexp.MatchString(d.Topic) {
		return false
	}
	if len(c.annotations) > 0 && !c.matchAnnotations(d.Annotations) {
		return false
	}
	return true
}

func (c *Condition) matchAnnotations(annotations map[string]any) bool {
	for _, matcher := range c.annotations {
		found := false
		for key, value := range annotations {
			if matcher.keyPattern.MatchString(key) && matcher.valuePattern.MatchString(fmt.Sprint(value)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Route calls every matching handler in registration order. When all of
// them succeed a delivery that needs confirmation is confirmed; otherwise
// it stays unconfirmed and the service delivers it again after a reconnect.
func (r *Router) Route(ctx context.Context, d *mqlight.Delivery) error {
	if d == nil {
		return nil
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(d) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		return fmt.Errorf("%w: topic %s", ErrNoRoute, d.Topic)
	}

	var errs []error
	for _, handler := range matched {
		if err := handler(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if d.NeedsConfirm() {
		return d.Confirm(ctx)
	}
	return nil
}

// Receiver is the part of *mqlight.Client that Run reads from.
type Receiver interface {
	Receive(ctx context.Context, pattern string, opts ...mqlight.ReceiveOption) (*mqlight.Delivery, error)
}

// Run receives from pattern and routes every delivery until ctx ends, which
// returns nil, or Receive fails, which returns the error. Routing failures
// go to the error handler and do not stop the loop.
func (r *Router) Run(ctx context.Context, client Receiver, pattern string, opts ...mqlight.ReceiveOption) error {
	for ctx.Err() == nil {
		d, err := client.Receive(ctx, pattern, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if d == nil {
			continue
		}

		if err := r.Route(ctx, d); err != nil {
			r.logger.Warn("routing delivery failed", mqlight.LogFields{
				mqlight.LogFieldTopic: d.Topic,
				mqlight.LogFieldError: err.Error(),
			})
			if r.onError != nil {
				r.onError(d, err)
			}
		}
	}
	return nil
}

// Filters returns all unique registered topic filters.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}
