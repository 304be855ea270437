package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/contract"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
	"github.com/example/notification-dispatch/internal/transport"
)

// Error codes recorded on failed notifications.
const (
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeTemplateLoad      = "TEMPLATE_LOAD_FAILED"
	CodeTemplateCompile   = "TEMPLATE_COMPILATION_FAILED"
	CodeTransportFailed   = "TRANSPORT_FAILED"
	CodeAttemptsExhausted = "ATTEMPTS_EXHAUSTED"
	CodeLifecycleError    = "LIFECYCLE_ERROR"
)

// Spec binds a processor to one queue, one event type and one template.
// TemplateName is the deployed template file; TemplateCode keys the catalog
// lookup that may override it with a newer active version.
type Spec struct {
	QueueName        string
	EventType        contract.EventType
	TemplateName     string
	TemplateCode     string
	Subject          string
	NotificationType string
}

// VerificationSpec describes the email verification processor.
func VerificationSpec(queueName string) Spec {
	return Spec{
		QueueName:        queueName,
		EventType:        contract.EmailVerificationRequested,
		TemplateName:     "email-verification.mjml",
		TemplateCode:     "email-verification",
		Subject:          "Confirm your email address",
		NotificationType: lifecycle.TypeEmailVerification,
	}
}

// PasswordResetSpec describes the password reset processor.
func PasswordResetSpec(queueName string) Spec {
	return Spec{
		QueueName:        queueName,
		EventType:        contract.PasswordResetRequested,
		TemplateName:     "password-reset.mjml",
		TemplateCode:     "password-reset",
		Subject:          "Reset your password",
		NotificationType: lifecycle.TypePasswordReset,
	}
}

// Dependencies collects the collaborators a processor needs.
type Dependencies struct {
	Renderer  *template.Renderer
	Transport transport.Transport
	Lifecycle *lifecycle.Service
	Acks      *AckPublisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Processor consumes validated jobs for one event type: validate, render,
// send, report. Each phase transition is logged and recorded on the
// notification before the next phase begins.
type Processor struct {
	spec      Spec
	renderer  *template.Renderer
	transport transport.Transport
	lifecycle *lifecycle.Service
	acks      *AckPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProcessor validates dependencies and constructs a processor.
func NewProcessor(spec Spec, deps Dependencies) (*Processor, error) {
	if spec.QueueName == "" {
		return nil, errors.New("processor: queue name is required")
	}
	if spec.EventType == "" {
		return nil, errors.New("processor: event type is required")
	}
	if spec.TemplateName == "" {
		return nil, errors.New("processor: template name is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("processor: renderer dependency is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("processor: transport dependency is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("processor: lifecycle dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("queue", spec.QueueName).Str("event_type", string(spec.EventType)).Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Processor{
		spec:      spec,
		renderer:  deps.Renderer,
		transport: deps.Transport,
		lifecycle: deps.Lifecycle,
		acks:      deps.Acks,
		logger:    logger,
		now:       nowFunc,
	}, nil
}

// Spec returns the processor's binding.
func (p *Processor) Spec() Spec { return p.spec }

// recipient holds the payload fields the pipeline needs after validation.
type recipient struct {
	userID   string
	email    string
	username string
	vars     map[string]string
}

// Process runs the validate -> render -> send -> report pipeline for one job
// and returns an explicit outcome instead of signalling retries through
// errors. The sequence within a job is strictly ordered; the caller
// guarantees at most one active attempt per job instance.
func (p *Processor) Process(ctx context.Context, job *queue.Job) *Result {
	log := p.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempt+1).Logger()

	env, err := contract.Validate(p.spec.EventType, job.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("job rejected: payload failed contract validation")
		res := &Result{NotificationID: job.NotificationID, Terminal: &TerminalError{Stage: "validate", Err: err}}
		p.recordFailure(ctx, res, CodeInvalidPayload, err)
		p.ackFailure(ctx, res, err)
		return res
	}
	log = log.With().Str("event_id", env.EventID).Logger()
	log.Debug().Msg("job validated")

	rcpt, err := p.recipientFor(env)
	if err != nil {
		log.Warn().Err(err).Msg("job rejected: unsupported payload variant")
		res := &Result{NotificationID: job.NotificationID, Terminal: &TerminalError{Stage: "validate", Err: err}}
		p.recordFailure(ctx, res, CodeInvalidPayload, err)
		return res
	}

	res := &Result{NotificationID: job.NotificationID, UserID: rcpt.userID, Email: rcpt.email}

	notif, err := p.ensureRecord(ctx, job, env, rcpt)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle record unavailable, retrying job")
		res.Retryable = &RetryableError{Err: err}
		return res
	}
	res.NotificationID = notif.ID

	enabled, err := p.lifecycle.ChannelEnabled(ctx, rcpt.userID, lifecycle.ChannelEmail)
	if err != nil {
		res.Retryable = &RetryableError{Err: fmt.Errorf("preference check: %w", err)}
		return res
	}
	if !enabled {
		log.Info().Str("user_id", rcpt.userID).Msg("recipient disabled email channel, cancelling")
		if _, err := p.lifecycle.UpdateStatus(ctx, notif.ID, lifecycle.StatusCancelled, lifecycle.TransitionContext{}); err != nil {
			log.Warn().Err(err).Msg("failed to cancel notification")
		}
		res.Skipped = true
		return res
	}

	if _, err := p.lifecycle.UpdateStatus(ctx, notif.ID, lifecycle.StatusProcessing, lifecycle.TransitionContext{}); err != nil {
		if errors.Is(err, lifecycle.ErrAttemptsExhausted) {
			res.Terminal = &TerminalError{Stage: "lifecycle", Err: err}
			p.ackFailure(ctx, res, err)
			return res
		}
		res.Retryable = &RetryableError{Err: err}
		return res
	}

	subject, html, err := p.render(ctx, rcpt.vars)
	if err != nil {
		code := CodeTemplateCompile
		var loadErr *template.LoadError
		if errors.As(err, &loadErr) {
			code = CodeTemplateLoad
		}
		log.Error().Err(err).Str("template", p.spec.TemplateName).Msg("job failed: template stage")
		res.Terminal = &TerminalError{Stage: "render", Err: err}
		p.recordFailure(ctx, res, code, err)
		p.ackFailure(ctx, res, err)
		return res
	}
	log.Debug().Str("template", p.spec.TemplateName).Msg("job rendered")

	receipt, err := p.transport.Send(ctx, &transport.Message{
		To:       rcpt.email,
		ToName:   rcpt.username,
		Subject:  subject,
		HTMLBody: html,
	})
	if err != nil {
		log.Warn().Err(err).Msg("job failed: transport stage, eligible for retry")
		res.Retryable = &RetryableError{Err: err}
		p.recordFailure(ctx, res, CodeTransportFailed, err)
		return res
	}

	if _, err := p.lifecycle.UpdateStatus(ctx, notif.ID, lifecycle.StatusSent, lifecycle.TransitionContext{ExternalID: receipt.MessageID}); err != nil {
		log.Error().Err(err).Msg("send succeeded but status update failed")
	}

	if p.acks != nil {
		if err := p.acks.PublishSent(ctx, p.spec.EventType, rcpt.userID, rcpt.email, receipt.MessageID); err != nil {
			log.Warn().Err(err).Msg("failed to publish sent acknowledgement")
		}
	}

	log.Info().Str("message_id", receipt.MessageID).Str("user_id", rcpt.userID).Msg("job sent")
	res.Success = true
	res.MessageID = receipt.MessageID
	return res
}

// render produces the subject and body for one job. The template catalog
// wins when it holds an active version for the spec's code; otherwise the
// template file deployed with the service is used. A catalog read failure is
// logged and falls through to the file, so operators publishing a new
// version never take delivery down.
func (p *Processor) render(ctx context.Context, vars map[string]string) (string, string, error) {
	if p.spec.TemplateCode != "" {
		tpl, err := p.lifecycle.ActiveTemplate(ctx, p.spec.TemplateCode)
		if err == nil {
			subject := p.spec.Subject
			if tpl.Subject != "" {
				subject = tpl.Subject
			}
			html, rerr := p.renderer.RenderSource(p.spec.TemplateCode, tpl.BodyTemplate, vars)
			return subject, html, rerr
		}
		if !errors.Is(err, lifecycle.ErrNotFound) {
			p.logger.Warn().Err(err).Str("code", p.spec.TemplateCode).Msg("template catalog unavailable, using deployed template")
		}
	}

	html, err := p.renderer.Render(p.spec.TemplateName, vars)
	return p.spec.Subject, html, err
}

// ensureRecord resolves the notification record for a job, creating one for
// jobs published directly by foreign producers.
func (p *Processor) ensureRecord(ctx context.Context, job *queue.Job, env *contract.Envelope, rcpt *recipient) (*lifecycle.Notification, error) {
	if job.NotificationID != "" {
		notif, err := p.lifecycle.Get(ctx, job.NotificationID)
		if err == nil {
			return notif, nil
		}
		if !errors.Is(err, lifecycle.ErrNotFound) {
			return nil, err
		}
	}

	return p.lifecycle.Create(ctx, lifecycle.CreateParams{
		UserID:      rcpt.userID,
		Type:        p.spec.NotificationType,
		Channel:     lifecycle.ChannelEmail,
		Recipient:   rcpt.email,
		Subject:     p.spec.Subject,
		TemplateID:  p.spec.TemplateName,
		Payload:     job.Payload,
		Metadata:    map[string]string{"event_id": env.EventID, "producer": env.Producer},
		MaxAttempts: job.MaxAttempts,
	})
}

func (p *Processor) recipientFor(env *contract.Envelope) (*recipient, error) {
	switch payload := env.Payload.(type) {
	case *contract.VerificationPayload:
		return &recipient{
			userID:   payload.UserID,
			email:    payload.Email,
			username: payload.Username,
			vars: map[string]string{
				"username":         payload.Username,
				"email":            payload.Email,
				"token":            payload.Token,
				"verificationLink": payload.VerificationLink,
				"expiresAt":        p.renderer.FormatTime(payload.ExpiresAt),
			},
		}, nil
	case *contract.PasswordResetPayload:
		return &recipient{
			userID:   payload.UserID,
			email:    payload.Email,
			username: payload.Username,
			vars: map[string]string{
				"username":  payload.Username,
				"email":     payload.Email,
				"token":     payload.Token,
				"resetLink": payload.ResetLink,
				"expiresAt": p.renderer.FormatTime(payload.ExpiresAt),
			},
		}, nil
	default:
		return nil, fmt.Errorf("no recipient mapping for payload %T", env.Payload)
	}
}

// recordFailure marks the notification FAILED (best effort: the job outcome
// stands even when the bookkeeping write fails).
func (p *Processor) recordFailure(ctx context.Context, res *Result, code string, cause error) {
	if res.NotificationID == "" {
		return
	}
	tc := lifecycle.TransitionContext{
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
	}
	_, err := p.lifecycle.UpdateStatus(ctx, res.NotificationID, lifecycle.StatusFailed, tc)
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// A record that never reached PROCESSING (rejected before the
		// transport stage) still counts the attempt before failing.
		if _, perr := p.lifecycle.UpdateStatus(ctx, res.NotificationID, lifecycle.StatusProcessing, lifecycle.TransitionContext{}); perr == nil {
			_, err = p.lifecycle.UpdateStatus(ctx, res.NotificationID, lifecycle.StatusFailed, tc)
		}
	}
	if err != nil {
		p.logger.Warn().Str("notification_id", res.NotificationID).Err(err).Msg("failed to record failure")
	}
}

func (p *Processor) ackFailure(ctx context.Context, res *Result, cause error) {
	if p.acks == nil || res.Email == "" {
		return
	}
	if err := p.acks.PublishFailed(ctx, p.spec.EventType, res.UserID, res.Email, cause.Error()); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish failure acknowledgement")
	}
}
