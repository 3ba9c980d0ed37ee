package service

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/crypto"
	"github.com/sendline/sendline/pkg/logger"
)

// shortCodeBytes gives 12 hex characters, unique enough across tenants and
// short enough for rewritten URLs.
const shortCodeBytes = 6

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// TrackingService records opens and clicks from the unauthenticated tracking
// ingress and rewrites bodies for queues with tracking enabled.
type TrackingService struct {
	emailRepo    domain.EmailRepository
	eventRepo    domain.EmailEventRepository
	linkRepo     domain.TrackingLinkRepository
	appRepo      domain.AppRepository
	queueRepo    domain.QueueRepository
	dispatcher   Dispatcher
	baseURL      string
	anonymizeIPs bool
	logger       logger.Logger
}

func NewTrackingService(
	emailRepo domain.EmailRepository,
	eventRepo domain.EmailEventRepository,
	linkRepo domain.TrackingLinkRepository,
	appRepo domain.AppRepository,
	queueRepo domain.QueueRepository,
	dispatcher Dispatcher,
	baseURL string,
	anonymizeIPs bool,
	log logger.Logger,
) *TrackingService {
	return &TrackingService{
		emailRepo:    emailRepo,
		eventRepo:    eventRepo,
		linkRepo:     linkRepo,
		appRepo:      appRepo,
		queueRepo:    queueRepo,
		dispatcher:   dispatcher,
		baseURL:      strings.TrimRight(baseURL, "/"),
		anonymizeIPs: anonymizeIPs,
		logger:       log,
	}
}

// RewriteLinks replaces http(s) hrefs in an HTML body with tracked redirect
// URLs and appends the open pixel. Called by the delivery engine for queues
// with tracking enabled.
func (s *TrackingService) RewriteLinks(ctx context.Context, email *domain.Email, trackClicks, trackOpens bool) (string, error) {
	body := email.HTMLBody
	if body == "" {
		return body, nil
	}

	if trackClicks {
		var rewriteErr error
		body = hrefPattern.ReplaceAllStringFunc(body, func(match string) string {
			if rewriteErr != nil {
				return match
			}
			original := hrefPattern.FindStringSubmatch(match)[1]
			code, err := crypto.GenerateSecret(shortCodeBytes)
			if err != nil {
				rewriteErr = err
				return match
			}
			link := &domain.TrackingLink{
				EmailID:     email.ID,
				ShortCode:   code,
				OriginalURL: original,
			}
			if err := s.linkRepo.Create(ctx, link); err != nil {
				rewriteErr = err
				return match
			}
			return fmt.Sprintf(`href="%s/t/c/%s"`, s.baseURL, code)
		})
		if rewriteErr != nil {
			return "", fmt.Errorf("failed to rewrite links: %w", rewriteErr)
		}
	}

	if trackOpens {
		pixel := fmt.Sprintf(`<img src="%s/t/o/%s" width="1" height="1" alt="" style="display:none"/>`, s.baseURL, email.ID)
		if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx >= 0 {
			body = body[:idx] + pixel + body[idx:]
		} else {
			body += pixel
		}
	}
	return body, nil
}

// RecordOpen logs an open event for the pixel ingress. Unknown ids are
// swallowed so the endpoint never leaks which ids exist.
func (s *TrackingService) RecordOpen(ctx context.Context, emailID, userAgent, remoteIP string) {
	email, err := s.emailRepo.GetByID(ctx, emailID)
	if err != nil {
		return
	}
	data := &domain.OpenedData{UserAgent: userAgent, IP: s.anonymizeIP(remoteIP)}
	if err := s.eventRepo.Append(ctx, &domain.EmailEvent{
		EmailID: email.ID,
		Type:    domain.EventOpened,
		Data:    domain.EventData{Opened: data},
	}); err != nil {
		s.logger.WithField("email_id", email.ID).Warn("Failed to append open event")
		return
	}
	s.dispatchTracking(ctx, email, domain.WebhookEmailOpened, &domain.EventData{Opened: data})
}

// RecordClick resolves a short code, counts the click and returns the
// original URL for the redirect. Unknown codes return ErrNotFound.
func (s *TrackingService) RecordClick(ctx context.Context, shortCode, userAgent string) (string, error) {
	link, err := s.linkRepo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return "", err
	}
	if err := s.linkRepo.IncrementClicks(ctx, link.ID); err != nil {
		s.logger.WithField("link_id", link.ID).Warn("Failed to count click")
	}

	data := &domain.ClickedData{URL: link.OriginalURL, ShortCode: shortCode, UserAgent: userAgent}
	if err := s.eventRepo.Append(ctx, &domain.EmailEvent{
		EmailID: link.EmailID,
		Type:    domain.EventClicked,
		Data:    domain.EventData{Clicked: data},
	}); err != nil {
		s.logger.WithField("email_id", link.EmailID).Warn("Failed to append click event")
	}

	if email, err := s.emailRepo.GetByID(ctx, link.EmailID); err == nil {
		s.dispatchTracking(ctx, email, domain.WebhookEmailClicked, &domain.EventData{Clicked: data})
	}
	return link.OriginalURL, nil
}

func (s *TrackingService) dispatchTracking(ctx context.Context, email *domain.Email, eventType string, event *domain.EventData) {
	app, err := s.appRepo.Get(ctx, email.AppID)
	if err != nil {
		return
	}
	queueName := ""
	if queue, err := s.queueRepo.Get(ctx, email.AppID, email.QueueID); err == nil {
		queueName = queue.Name
	}
	s.dispatcher.Dispatch(ctx, app, email, queueName, eventType, event)
}

// anonymizeIP zeroes the host portion when the privacy flag is on.
func (s *TrackingService) anonymizeIP(remoteIP string) string {
	if !s.anonymizeIPs {
		return remoteIP
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		v4[3] = 0
		return v4.String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
