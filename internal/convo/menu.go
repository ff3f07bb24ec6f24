package convo

import (
	"context"
	"fmt"
	"strings"

	"bodasure/internal/channel"
	"bodasure/internal/nlu"
	"bodasure/internal/repo"
)

func (e *Engine) promptLanguage(ctx context.Context, user *repo.User) error {
	opts := []channel.Option{
		{ID: "lang_en", Title: t(user.Language, "lang_english")},
		{ID: "lang_sw", Title: t(user.Language, "lang_swahili")},
	}
	if err := e.sender.SendButtons(ctx, user.Phone, t(user.Language, "lang_prompt"), opts); err != nil {
		e.logger.Warn("failed sending language prompt", "error", err, "user_id", user.ID)
	}
	return nil
}

func (e *Engine) handleLangSelect(ctx context.Context, user *repo.User, msg channel.ParsedMessage) error {
	choice := strings.ToLower(strings.TrimSpace(msg.Body))
	lang := ""
	switch choice {
	case "lang_en", "1", "english":
		lang = langEnglish
	case "lang_sw", "2", "kiswahili", "swahili":
		lang = langSwahili
	}
	if lang == "" {
		// First contact or unrecognized reply: (re-)issue the prompt.
		if user.DialogState == "" {
			if err := e.setState(ctx, user, StateLangSelect, Draft{}); err != nil {
				return err
			}
		}
		return e.promptLanguage(ctx, user)
	}

	if err := e.store.SetLanguage(ctx, user.ID, lang); err != nil {
		return fmt.Errorf("set language: %w", err)
	}
	user.Language = lang

	// Verified users change language from the menu and return there.
	if user.KYCStatus == repo.KYCVerified {
		if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
			return err
		}
		e.sendMainMenu(ctx, user)
		return nil
	}
	if user.KYCStatus == repo.KYCPending {
		if err := e.setState(ctx, user, StateWaitingApproval, Draft{}); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "pending_review"))
		return nil
	}

	if err := e.setState(ctx, user, StateRegisterName, Draft{Registration: &RegistrationDraft{}}); err != nil {
		return err
	}
	e.reply(ctx, user, t(user.Language, "register_intro"))
	return nil
}

func (e *Engine) sendMainMenu(ctx context.Context, user *repo.User) {
	sections := []channel.Section{{
		Options: []channel.Option{
			{ID: "menu_buy", Title: t(user.Language, "menu_buy")},
			{ID: "menu_claim", Title: t(user.Language, "menu_claim")},
			{ID: "menu_policies", Title: t(user.Language, "menu_policies")},
			{ID: "menu_language", Title: t(user.Language, "menu_language")},
			{ID: "menu_support", Title: t(user.Language, "menu_support")},
		},
	}}
	if err := e.sender.SendList(ctx, user.Phone, t(user.Language, "main_menu"), "", sections); err != nil {
		e.logger.Warn("failed sending main menu", "error", err, "user_id", user.ID)
	}
}

func (e *Engine) handleMainMenu(ctx context.Context, user *repo.User, msg channel.ParsedMessage) error {
	// Verification is re-checked on every menu interaction so an
	// out-of-band admin decision takes effect on the next message.
	switch user.KYCStatus {
	case repo.KYCPending:
		e.reply(ctx, user, t(user.Language, "pending_review"))
		return nil
	case repo.KYCRejected:
		e.reply(ctx, user, t(user.Language, "rejected"))
		return nil
	case repo.KYCUnverified:
		if err := e.setState(ctx, user, StateRegisterName, Draft{Registration: &RegistrationDraft{}}); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "register_intro"))
		return nil
	}

	choice := strings.ToLower(strings.TrimSpace(msg.Body))
	switch choice {
	case "menu_buy", "1":
		return e.startPurchase(ctx, user)
	case "menu_claim", "2":
		return e.startClaim(ctx, user)
	case "menu_policies", "3":
		return e.listPolicies(ctx, user)
	case "menu_language", "4":
		if err := e.setState(ctx, user, StateLangSelect, Draft{}); err != nil {
			return err
		}
		return e.promptLanguage(ctx, user)
	case "menu_support", "5":
		e.reply(ctx, user, t(user.Language, "support"))
		e.sendMainMenu(ctx, user)
		return nil
	}

	if msg.Type == channel.TypeText && e.classifier != nil {
		return e.handleFreeText(ctx, user, msg.Body)
	}
	e.reply(ctx, user, t(user.Language, "need_choice"))
	e.sendMainMenu(ctx, user)
	return nil
}

// handleFreeText routes natural language through the intent classifier.
// Unknown or failed classification degrades to a generic grounded response
// rather than an error.
func (e *Engine) handleFreeText(ctx context.Context, user *repo.User, text string) error {
	intent, err := e.classifier.ClassifyIntent(ctx, text)
	if err != nil {
		e.logger.Warn("intent classification failed", "error", err, "user_id", user.ID)
		intent = nlu.IntentUnknown
	}

	switch intent {
	case nlu.IntentBuy:
		return e.startPurchase(ctx, user)
	case nlu.IntentClaim:
		return e.startClaim(ctx, user)
	case nlu.IntentLanguage:
		if err := e.setState(ctx, user, StateLangSelect, Draft{}); err != nil {
			return err
		}
		return e.promptLanguage(ctx, user)
	case nlu.IntentSupport:
		e.reply(ctx, user, t(user.Language, "support"))
		return nil
	case nlu.IntentCancel:
		e.reply(ctx, user, t(user.Language, "cancelled"))
		e.sendMainMenu(ctx, user)
		return nil
	}

	answer, err := e.classifier.Respond(ctx, text, "motorcycle micro-insurance: buying cover, filing claims, payments via M-PESA")
	if err != nil || strings.TrimSpace(answer) == "" {
		e.reply(ctx, user, t(user.Language, "unknown_intent"))
		e.sendMainMenu(ctx, user)
		return nil
	}
	e.reply(ctx, user, answer)
	return nil
}

func (e *Engine) listPolicies(ctx context.Context, user *repo.User) error {
	policies, err := e.store.ListPoliciesByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	if len(policies) == 0 {
		e.reply(ctx, user, t(user.Language, "no_active_policies"))
		e.sendMainMenu(ctx, user)
		return nil
	}

	var b strings.Builder
	b.WriteString(t(user.Language, "policies_header"))
	for _, p := range policies {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(t(user.Language, "policies_line"),
			p.PolicyNumber, p.Status, p.EndAt.Format("02 Jan 2006")))
	}
	e.reply(ctx, user, b.String())
	e.sendMainMenu(ctx, user)
	return nil
}
