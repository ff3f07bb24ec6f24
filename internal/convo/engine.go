// Package convo is the per-user dialog state machine. Every inbound message
// advances exactly one user's conversation; the new state and any captured
// fields are persisted before the response is sent, so a crash between the
// two is recovered by a re-prompt on the next message.
package convo

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/metrics"
	"bodasure/internal/nlu"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
	"bodasure/internal/wallet"
)

// Classifier is the free-text fallback consulted when structured input
// does not match the current state.
type Classifier interface {
	ClassifyIntent(ctx context.Context, text string) (nlu.Intent, error)
	Respond(ctx context.Context, text, context_ string) (string, error)
}

// Engine routes inbound messages through the dialog state machine.
type Engine struct {
	store      repo.Store
	sender     channel.Sender
	policies   *policy.Service
	claims     *claims.Service
	wallets    *wallet.Service
	classifier Classifier
	catalog    *Catalog
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ channel.Processor = (*Engine)(nil)

// New creates the conversation engine.
func New(store repo.Store, sender channel.Sender, policies *policy.Service, claimSvc *claims.Service, wallets *wallet.Service, classifier Classifier, catalog *Catalog, logger *slog.Logger, metricRegistry *metrics.Metrics) *Engine {
	return &Engine{
		store:      store,
		sender:     sender,
		policies:   policies,
		claims:     claimSvc,
		wallets:    wallets,
		classifier: classifier,
		catalog:    catalog,
		logger:     logger.With("component", "convo"),
		metrics:    metricRegistry,
		locks:      map[string]*sync.Mutex{},
	}
}

// identityLock serializes processing per user identity. The transport
// delivers at least once; overlapping deliveries of the same message must
// not interleave read-modify-persist cycles on the user row.
func (e *Engine) identityLock(identity string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[identity] = lock
	}
	return lock
}

// Process handles one inbound message to completion.
func (e *Engine) Process(ctx context.Context, msg channel.ParsedMessage) {
	if msg.From == "" {
		return
	}
	lock := e.identityLock(msg.From)
	lock.Lock()
	defer lock.Unlock()

	user, err := e.loadUser(ctx, msg)
	if err != nil {
		e.logger.Error("failed loading user", "error", err, "from", msg.From)
		return
	}

	e.audit(ctx, user.ID, "in", msg.Type, msg.Body, msg.MediaRef)

	if user.AccountStatus == repo.AccountBlocked {
		e.reply(ctx, user, t(user.Language, "blocked"))
		return
	}

	if e.intercept(ctx, user, msg) {
		return
	}

	if err := e.route(ctx, user, msg); err != nil {
		e.logger.Error("turn failed", "error", err, "user_id", user.ID, "state", user.DialogState)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("convo").Inc()
		}
		e.reply(ctx, user, t(user.Language, "generic_error"))
	}
}

func (e *Engine) loadUser(ctx context.Context, msg channel.ParsedMessage) (*repo.User, error) {
	profile := repo.UserProfile{Phone: msg.From}
	if msg.JID != "" {
		jid := msg.JID
		profile.JID = &jid
	}
	if msg.ProfileName != "" {
		name := msg.ProfileName
		profile.DisplayName = &name
	}
	return e.store.UpsertUserByPhone(ctx, profile)
}

// cancelWords force a return to the main menu from anywhere.
var cancelWords = map[string]bool{
	"cancel": true,
	"reset":  true,
	"menu":   true,
	"ghairi": true,
}

var registrationStates = map[string]bool{
	StateRegisterName:   true,
	StateRegisterPhone:  true,
	StateRegisterID:     true,
	StateRegisterDOB:    true,
	StateRegisterPlate:  true,
	StateRegisterPhotos: true,
}

// intercept runs the pre-routing checks: control words first, then the
// verification-status re-check that keeps users whose status changed
// out-of-band from being stuck in a stale state.
func (e *Engine) intercept(ctx context.Context, user *repo.User, msg channel.ParsedMessage) bool {
	if msg.Type == channel.TypeText && cancelWords[strings.ToLower(strings.TrimSpace(msg.Body))] {
		switch {
		case user.KYCStatus == repo.KYCVerified:
			if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
				e.reply(ctx, user, t(user.Language, "generic_error"))
				return true
			}
			e.reply(ctx, user, t(user.Language, "cancelled"))
			e.sendMainMenu(ctx, user)
			return true
		case registrationStates[user.DialogState]:
			// Mid-onboarding the control word restarts the flow, so it is
			// never captured as a field value.
			if err := e.setState(ctx, user, StateRegisterName, Draft{}); err != nil {
				e.reply(ctx, user, t(user.Language, "generic_error"))
				return true
			}
			e.reply(ctx, user, t(user.Language, "register_restart"))
			return true
		default:
			return false
		}
	}

	// A user parked in waiting_for_approval is re-routed as soon as the
	// reviewer decision lands.
	if user.DialogState == StateWaitingApproval {
		switch user.KYCStatus {
		case repo.KYCVerified:
			if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
				e.reply(ctx, user, t(user.Language, "generic_error"))
				return true
			}
			e.reply(ctx, user, t(user.Language, "approved_notice"))
			e.sendMainMenu(ctx, user)
		case repo.KYCRejected:
			e.reply(ctx, user, t(user.Language, "rejected"))
		default:
			e.reply(ctx, user, t(user.Language, "pending_review"))
		}
		return true
	}

	return false
}

func (e *Engine) route(ctx context.Context, user *repo.User, msg channel.ParsedMessage) error {
	switch user.DialogState {
	case StateLangSelect, "":
		return e.handleLangSelect(ctx, user, msg)
	case StateRegisterName, StateRegisterPhone, StateRegisterID, StateRegisterDOB, StateRegisterPlate, StateRegisterPhotos:
		return e.handleRegistration(ctx, user, msg)
	case StateMainMenu:
		return e.handleMainMenu(ctx, user, msg)
	case StateBuySelectCover, StateBuySelectProduct, StateBuyVehicleValue, StateBuyVehicleAge, StateBuyConfirm:
		return e.handlePurchase(ctx, user, msg)
	case StateClaimSelectPolicy, StateClaimDate, StateClaimTime, StateClaimLocation, StateClaimDescription, StateClaimPhotos:
		return e.handleClaim(ctx, user, msg)
	default:
		e.logger.Warn("user in unknown dialog state, resetting", "state", user.DialogState, "user_id", user.ID)
		if err := e.setState(ctx, user, StateLangSelect, Draft{}); err != nil {
			return err
		}
		return e.promptLanguage(ctx, user)
	}
}

// setState persists the transition before any outbound send.
func (e *Engine) setState(ctx context.Context, user *repo.User, state string, draft Draft) error {
	if err := e.store.UpdateDialogState(ctx, user.ID, state, encodeDraft(draft)); err != nil {
		return err
	}
	user.DialogState = state
	user.Draft = encodeDraft(draft)
	return nil
}

func (e *Engine) reply(ctx context.Context, user *repo.User, text string) {
	if err := e.sender.SendText(ctx, user.Phone, text); err != nil {
		e.logger.Warn("failed sending reply", "error", err, "user_id", user.ID)
		return
	}
	e.audit(ctx, user.ID, "out", channel.TypeText, text, "")
}

func (e *Engine) audit(ctx context.Context, userID, direction, msgType, content, mediaRef string) {
	rec := repo.MessageRecord{UserID: userID, Direction: direction, Type: msgType}
	if content != "" {
		rec.Content = &content
	}
	if mediaRef != "" {
		rec.MediaURL = &mediaRef
	}
	if err := e.store.InsertMessage(ctx, rec); err != nil {
		e.logger.Warn("failed persisting message audit", "error", err, "user_id", userID)
	}
}
