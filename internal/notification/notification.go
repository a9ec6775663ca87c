// Package notification sends operational alerts by email and SMS when the
// relay degrades: storage persistence failures, session-store outages, and
// general system alerts. It never notifies end users; recipients come from
// the operations contact list in configuration.
package notification

import (
	"fmt"
	"html"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomail"
	"github.com/real-rm/gomongo"
	"github.com/real-rm/gosms"
)

// Service handles sending email and SMS alerts to operations contacts
type Service struct {
	mailer      *gomail.Mailer
	smsSender   *gosms.SMSSender
	logger      *golog.Logger
	config      *goconfig.ConfigAccessor
	rateLimiter *RateLimiter
	mu          sync.RWMutex
}

// RateLimiter prevents alert flooding
type RateLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	mu     sync.RWMutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		events: make(map[string][]time.Time),
		window: window,
		limit:  limit,
	}
}

// Allow checks if an event is allowed based on rate limiting
func (rl *RateLimiter) Allow(eventKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Cap map growth: reject new keys when at capacity
	events := rl.events[eventKey]
	if events == nil && len(rl.events) >= constants.MaxUsersTracked {
		return false
	}

	var recentEvents []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recentEvents = append(recentEvents, t)
		}
	}

	// Remove keys with no recent events to prevent unbounded map growth
	if len(recentEvents) == 0 && len(events) > 0 {
		delete(rl.events, eventKey)
	}

	if len(recentEvents) >= rl.limit {
		rl.events[eventKey] = recentEvents
		return false
	}

	recentEvents = append(recentEvents, now)
	rl.events[eventKey] = recentEvents

	return true
}

// NewService creates the ops alerting service.
// SMS is optional: without Twilio credentials alerts go out by email only.
func NewService(
	logger *golog.Logger,
	config *goconfig.ConfigAccessor,
	mongo *gomongo.Mongo,
) (*Service, error) {
	mailer, err := gomail.GetSendMailObj(gomail.MailerOptions{
		Logger: logger,
		Config: config,
		Mongo:  mongo, // Enable email logging
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gomail: %w", err)
	}

	// Priority: Environment variables > Config file
	accountSID := os.Getenv("SMS_ACCOUNT_SID")
	if accountSID == "" {
		accountSID, err = config.ConfigString("sms.accountSID")
		if err != nil {
			logger.Warn("SMS account SID not configured", "error", err)
			accountSID = ""
		}
	}

	authToken := os.Getenv("SMS_AUTH_TOKEN")
	if authToken == "" {
		authToken, err = config.ConfigString("sms.authToken")
		if err != nil {
			logger.Warn("SMS auth token not configured", "error", err)
			authToken = ""
		}
	}

	var smsSender *gosms.SMSSender
	if accountSID != "" && authToken != "" {
		twilioEngine, err := gosms.NewTwilioEngine(accountSID, authToken)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Twilio engine: %w", err)
		}

		smsSender, err = gosms.NewSMSSender(twilioEngine)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SMS sender: %w", err)
		}
	} else {
		logger.Warn("SMS not configured - SMS alerts will be skipped")
	}

	rateLimiter := NewRateLimiter(5*time.Minute, constants.NotificationRateLimit)

	return &Service{
		mailer:      mailer,
		smsSender:   smsSender,
		logger:      logger,
		config:      config,
		rateLimiter: rateLimiter,
	}, nil
}

// StorageDegraded alerts operations that message persistence is failing.
// Wired to the router's consecutive-failure counter.
func (ns *Service) StorageDegraded(consecutiveFailures int, cause error) {
	details := "unknown"
	if cause != nil {
		details = cause.Error()
	}
	if err := ns.SendCriticalError("storage_degraded",
		fmt.Sprintf("%d consecutive message persist failures: %s", consecutiveFailures, details)); err != nil {
		util.LogError(ns.logger, "notification", "storage degraded alert", err)
	}
}

// SendCriticalError sends notifications for critical system errors
func (ns *Service) SendCriticalError(errorType, details string) error {
	eventKey := fmt.Sprintf("critical_error:%s", errorType)

	if !ns.rateLimiter.Allow(eventKey) {
		ns.logger.Warn("Critical error alert rate limited", "error_type", errorType)
		return nil // Don't return error, just skip
	}

	opsEmails, err := ns.getOpsEmails()
	if err != nil {
		return fmt.Errorf("failed to get ops emails: %w", err)
	}

	opsPhones, err := ns.getOpsPhones()
	if err != nil {
		return fmt.Errorf("failed to get ops phones: %w", err)
	}

	if len(opsEmails) > 0 {
		msg := &gomail.EmailMessage{
			To:      opsEmails,
			Subject: fmt.Sprintf("CRITICAL: %s", errorType),
			HTML: fmt.Sprintf(`
				<h2 style="color: red;">Critical Relay Error</h2>
				<ul>
					<li><strong>Error Type:</strong> %s</li>
					<li><strong>Details:</strong> %s</li>
					<li><strong>Time:</strong> %s</li>
				</ul>
				<p>Please investigate immediately.</p>
			`, html.EscapeString(errorType), html.EscapeString(details), time.Now().Format(time.RFC3339)),
			Text: fmt.Sprintf("CRITICAL ERROR - Type: %s, Details: %s, Time: %s",
				errorType, details, time.Now().Format(time.RFC3339)),
		}

		// SendWithRetry gives automatic engine failover
		engines := ns.mailer.GetEngineNames()
		if err := ns.mailer.SendWithRetry(engines, msg); err != nil {
			util.LogError(ns.logger, "notification", "send critical error email", err, "error_type", errorType)
			return fmt.Errorf("failed to send email: %w", err)
		}

		ns.logger.Info("Critical error email sent", "error_type", errorType, "recipients", len(opsEmails))
	}

	if ns.smsSender != nil && len(opsPhones) > 0 {
		fromNumber, err := ns.config.ConfigString("sms.fromNumber")
		if err != nil {
			ns.logger.Warn("SMS from number not configured", "error", err)
			fromNumber = ""
		}

		message := fmt.Sprintf("CRITICAL: %s on chatrelay. Check email for details.", errorType)

		for _, phone := range opsPhones {
			opt := gosms.SendOption{
				To:      phone,
				From:    fromNumber,
				Message: message,
			}

			if err := ns.smsSender.Send(opt); err != nil {
				util.LogError(ns.logger, "notification", "send critical error SMS", err, "phone", phone)
				// Continue to next phone number
			} else {
				ns.logger.Info("Critical error SMS sent", "phone", phone)
			}
		}
	}

	return nil
}

// SendSystemAlert sends a general, non-critical system alert by email
func (ns *Service) SendSystemAlert(subject, message string) error {
	eventKey := fmt.Sprintf("system_alert:%s", subject)

	if !ns.rateLimiter.Allow(eventKey) {
		ns.logger.Warn("System alert rate limited", "subject", subject)
		return nil
	}

	opsEmails, err := ns.getOpsEmails()
	if err != nil {
		return fmt.Errorf("failed to get ops emails: %w", err)
	}

	if len(opsEmails) == 0 {
		ns.logger.Warn("No ops emails configured for system alert")
		return nil
	}

	msg := &gomail.EmailMessage{
		To:      opsEmails,
		Subject: subject,
		HTML:    fmt.Sprintf("<p>%s</p><p><em>Time: %s</em></p>", html.EscapeString(message), time.Now().Format(time.RFC3339)),
		Text:    fmt.Sprintf("%s\nTime: %s", message, time.Now().Format(time.RFC3339)),
	}

	engines := ns.mailer.GetEngineNames()
	if len(engines) == 0 {
		return fmt.Errorf("no mail engines configured")
	}

	if err := ns.mailer.SendMail(engines[0], msg); err != nil {
		util.LogError(ns.logger, "notification", "send system alert email", err, "subject", subject)
		return fmt.Errorf("failed to send email: %w", err)
	}

	ns.logger.Info("System alert email sent", "subject", subject, "recipients", len(opsEmails))
	return nil
}

// getOpsEmails retrieves operations email addresses from config
func (ns *Service) getOpsEmails() ([]string, error) {
	opsEmailsStr, err := ns.config.ConfigString("notification.opsEmails")
	if err == nil && opsEmailsStr != "" {
		emails := []string{}
		for _, email := range splitAndTrim(opsEmailsStr) {
			if email != "" {
				emails = append(emails, email)
			}
		}
		if len(emails) > 0 {
			return emails, nil
		}
	}

	// Fallback to mail.adminEmail
	opsEmail, err := ns.config.ConfigString("mail.adminEmail")
	if err != nil {
		return nil, err
	}

	if opsEmail == "" {
		return []string{}, nil
	}

	return []string{opsEmail}, nil
}

// getOpsPhones retrieves operations phone numbers from config
func (ns *Service) getOpsPhones() ([]string, error) {
	opsPhonesStr, err := ns.config.ConfigString("notification.opsPhones")
	if err != nil {
		// Not configured is okay
		return []string{}, nil
	}

	if opsPhonesStr == "" {
		return []string{}, nil
	}

	phones := []string{}
	for _, phone := range splitAndTrim(opsPhonesStr) {
		if phone != "" {
			phones = append(phones, phone)
		}
	}

	return phones, nil
}

// splitAndTrim splits a string by comma and trims whitespace from each part
func splitAndTrim(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
