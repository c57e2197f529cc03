package external

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// MemoryNotifications is an in-process NotificationOrderingService. With
// autoDeliver set, orders report as sent once their send time has passed.
type MemoryNotifications struct {
	mu          sync.Mutex
	orders      map[string]*memoryOrder
	autoDeliver bool
	now         func() time.Time

	// CreateErr and CancelErr, when set, fail the matching call.
	CreateErr error
	CancelErr error
}

type memoryOrder struct {
	req     OrderRequest
	summary OrderSummary
}

func NewMemoryNotifications(autoDeliver bool, now func() time.Time) *MemoryNotifications {
	if now == nil {
		now = time.Now
	}
	return &MemoryNotifications{orders: make(map[string]*memoryOrder), autoDeliver: autoDeliver, now: now}
}

// CreateOrder is idempotent per notification.
func (m *MemoryNotifications) CreateOrder(_ context.Context, req OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	id := "order-" + req.NotificationID.String()
	if _, ok := m.orders[id]; !ok {
		m.orders[id] = &memoryOrder{req: req, summary: OrderSummary{OrderID: id, Status: OrderPending}}
	}
	return id, nil
}

func (m *MemoryNotifications) Cancel(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrCancellationRejected)
	}
	m.deliver(o)
	switch o.summary.Status {
	case OrderCancelled:
		return nil
	case OrderPending:
		o.summary.Status = OrderCancelled
		return nil
	default:
		return fmt.Errorf("order %s is %s: %w", orderID, o.summary.Status, ErrCancellationRejected)
	}
}

func (m *MemoryNotifications) GetStatus(_ context.Context, orderID string) (*OrderSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	m.deliver(o)
	out := o.summary
	return &out, nil
}

func (m *MemoryNotifications) deliver(o *memoryOrder) {
	if !m.autoDeliver || o.summary.Status != OrderPending || o.req.RequestedSendTime.After(m.now()) {
		return
	}
	sentAt := o.req.RequestedSendTime
	o.summary.Status = OrderSent
	o.summary.SentAt = &sentAt
}

// MarkSent records delivery of an order.
func (m *MemoryNotifications) MarkSent(orderID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.orders[orderID]; ok {
		o.summary.Status = OrderSent
		o.summary.SentAt = &at
	}
}

// Order returns the current summary of an order.
func (m *MemoryNotifications) Order(orderID string) (OrderSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return OrderSummary{}, false
	}
	return o.summary, true
}

// Count returns the number of orders placed.
func (m *MemoryNotifications) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// MemoryActivities is an in-process ActivityService. Recording an activity
// also patches the dialog for that kind. With autoPatch set, VerifyPatched
// always succeeds.
type MemoryActivities struct {
	mu         sync.Mutex
	activities map[string][]models.Activity
	patched    map[string]map[models.ActivityKind]bool
	autoPatch  bool

	// Err, when set, fails every call.
	Err error
}

func NewMemoryActivities(autoPatch bool) *MemoryActivities {
	return &MemoryActivities{
		activities: make(map[string][]models.Activity),
		patched:    make(map[string]map[models.ActivityKind]bool),
		autoPatch:  autoPatch,
	}
}

func (m *MemoryActivities) RecordActivity(_ context.Context, dialogID string, a models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.activities[dialogID] = append(m.activities[dialogID], a)
	m.patch(dialogID, a.Kind)
	return nil
}

func (m *MemoryActivities) VerifyPatched(_ context.Context, dialogID string, kind models.ActivityKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return false, m.Err
	}
	return m.autoPatch || m.patched[dialogID][kind], nil
}

func (m *MemoryActivities) HasActivity(_ context.Context, dialogID string, kind models.ActivityKind, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return false, m.Err
	}
	return slices.ContainsFunc(m.activities[dialogID], func(a models.Activity) bool {
		return a.Kind == kind && a.Reference == reference
	}), nil
}

func (m *MemoryActivities) DeleteActivities(_ context.Context, dialogID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	delete(m.activities, dialogID)
	delete(m.patched, dialogID)
	return nil
}

// Patch marks the dialog as reflecting kind, as the dialog UI does when the
// recipient acts on it.
func (m *MemoryActivities) Patch(dialogID string, kind models.ActivityKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patch(dialogID, kind)
}

func (m *MemoryActivities) patch(dialogID string, kind models.ActivityKind) {
	if m.patched[dialogID] == nil {
		m.patched[dialogID] = make(map[models.ActivityKind]bool)
	}
	m.patched[dialogID][kind] = true
}

// Activities returns what was recorded for a dialog.
func (m *MemoryActivities) Activities(dialogID string) []models.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.activities[dialogID])
}

// MemoryEvents collects published events. Events are deduplicated by ID, as
// the JetStream publisher does.
type MemoryEvents struct {
	mu     sync.Mutex
	events []models.Event
	seen   map[uuid.UUID]bool

	Err error
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{seen: make(map[uuid.UUID]bool)}
}

func (m *MemoryEvents) Publish(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if m.seen[e.ID] {
		return nil
	}
	m.seen[e.ID] = true
	m.events = append(m.events, e)
	return nil
}

// Events returns the published events in order.
func (m *MemoryEvents) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// MemoryLegacy collects legacy sync calls.
type MemoryLegacy struct {
	mu     sync.Mutex
	events []models.LegacyEvent

	Err error
}

func NewMemoryLegacy() *MemoryLegacy {
	return &MemoryLegacy{}
}

func (m *MemoryLegacy) SyncEvent(_ context.Context, e models.LegacyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryLegacy) Events() []models.LegacyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// MemoryBlobs tracks purged attachments. Purging twice reports
// ErrBlobNotFound.
type MemoryBlobs struct {
	mu     sync.Mutex
	purged map[uuid.UUID]string

	Err error
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{purged: make(map[uuid.UUID]string)}
}

func (m *MemoryBlobs) Purge(_ context.Context, attachmentID uuid.UUID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.purged[attachmentID]; ok {
		return fmt.Errorf("attachment %s: %w", attachmentID, ErrBlobNotFound)
	}
	m.purged[attachmentID] = provider
	return nil
}

// Purged reports whether the attachment's bytes were deleted.
func (m *MemoryBlobs) Purged(attachmentID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.purged[attachmentID]
	return ok
}

// LogAlerter writes operator alerts to the log.
type LogAlerter struct {
	logger *logging.Logger

	mu     sync.Mutex
	titles []string
}

func NewLogAlerter(logger *logging.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.WithComponent("alerts")}
}

func (l *LogAlerter) Notify(ctx context.Context, title, message string) error {
	l.mu.Lock()
	l.titles = append(l.titles, title)
	l.mu.Unlock()

	l.logger.WarnContext(ctx, "OPERATOR ALERT: "+title, "message", message)
	return nil
}

// Titles returns the titles of alerts sent so far.
func (l *LogAlerter) Titles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.titles)
}
