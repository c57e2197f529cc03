// Package seed fills a development instance with plausible correspondences.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/lifecycle"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// Summary counts what a run created.
type Summary struct {
	Attachments     int         `json:"attachments" yaml:"attachments"`
	Correspondences int         `json:"correspondences" yaml:"correspondences"`
	Notifications   int         `json:"notifications" yaml:"notifications"`
	IDs             []uuid.UUID `json:"ids" yaml:"ids"`
}

// Seeder creates fixtures through the lifecycle handlers so every fixture
// carries the same jobs and statuses real traffic would.
type Seeder struct {
	svc    *lifecycle.Service
	faker  *gofakeit.Faker
	now    func() time.Time
	logger *logging.Logger
}

// New returns a seeder. A zero seed picks a random one.
func New(svc *lifecycle.Service, seed int64, now func() time.Time, logger *logging.Logger) *Seeder {
	return &Seeder{
		svc:    svc,
		faker:  gofakeit.New(seed),
		now:    now,
		logger: logger.WithComponent("seed"),
	}
}

// Run creates count correspondences, each with one or two published
// attachments and up to two notifications.
func (s *Seeder) Run(ctx context.Context, count int) (*Summary, error) {
	summary := &Summary{}
	for i := 0; i < count; i++ {
		attachments := s.faker.Number(1, 2)
		ids := make([]uuid.UUID, 0, attachments)
		sender := s.party()
		for j := 0; j < attachments; j++ {
			id, err := s.attachment(ctx, sender)
			if err != nil {
				return summary, err
			}
			ids = append(ids, id)
			summary.Attachments++
		}

		req := s.correspondence(sender, ids)
		res, err := s.svc.InitializeCorrespondence(ctx, req)
		if err != nil {
			return summary, fmt.Errorf("initialize correspondence %d: %w", i, err)
		}
		summary.Correspondences++
		summary.Notifications += len(req.Notifications)
		summary.IDs = append(summary.IDs, res.ID)
	}

	s.logger.InfoContext(ctx, "seeded fixtures",
		"correspondences", summary.Correspondences,
		"attachments", summary.Attachments,
		"notifications", summary.Notifications)
	return summary, nil
}

func (s *Seeder) attachment(ctx context.Context, sender string) (uuid.UUID, error) {
	req := lifecycle.InitializeAttachmentRequest{
		Sender:          sender,
		StorageProvider: "s3",
	}
	if s.faker.Bool() {
		exp := s.now().Add(time.Duration(s.faker.Number(30, 365)) * 24 * time.Hour)
		req.ExpirationTime = &exp
	}

	res, err := s.svc.InitializeAttachment(ctx, req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("initialize attachment: %w", err)
	}
	if _, err := s.svc.PublishAttachment(ctx, res.ID); err != nil {
		return uuid.Nil, fmt.Errorf("publish attachment %s: %w", res.ID, err)
	}
	return res.ID, nil
}

func (s *Seeder) correspondence(sender string, attachments []uuid.UUID) lifecycle.InitializeRequest {
	now := s.now()
	visible := now.Add(-time.Duration(s.faker.Number(0, 72)) * time.Hour)
	due := visible.Add(time.Duration(s.faker.Number(7, 30)) * 24 * time.Hour)

	req := lifecycle.InitializeRequest{
		ResourceID:           "urn:resource:" + s.faker.AppName(),
		Sender:               sender,
		Recipient:            s.party(),
		SendersReference:     s.faker.Regex(`[A-Z]{2}-[0-9]{6}`),
		VisibleFrom:          visible,
		DueDate:              &due,
		IsConfirmationNeeded: s.faker.Bool(),
		AttachmentIDs:        attachments,
		ExternalReferences: []models.ExternalReference{
			{Type: models.ReferenceDialog, Value: s.faker.UUID()},
		},
	}
	if s.faker.Number(0, 3) == 0 {
		req.ExternalReferences = append(req.ExternalReferences,
			models.ExternalReference{Type: models.ReferenceLegacy, Value: fmt.Sprintf("A1-%d", s.faker.Number(10000, 99999))})
	}

	for n := s.faker.Number(0, 2); n > 0; n-- {
		template, _ := json.Marshal(map[string]string{
			"subject": s.faker.Sentence(5),
			"body":    s.faker.Paragraph(1, 2, 12, " "),
		})
		req.Notifications = append(req.Notifications, lifecycle.NotificationRequest{
			RequestedSendTime: visible.Add(time.Duration(s.faker.Number(0, 120)) * time.Minute),
			IsReminder:        n == 2,
			Template:          template,
		})
	}
	return req
}

// party returns an organisation number in the 0192 scheme.
func (s *Seeder) party() string {
	return fmt.Sprintf("0192:%09d", s.faker.Number(100000000, 999999999))
}
