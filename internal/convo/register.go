package convo

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"bodasure/internal/channel"
	"bodasure/internal/repo"
)

var phonePattern = regexp.MustCompile(`^(\+?254|0)[17]\d{8}$`)

func (e *Engine) handleRegistration(ctx context.Context, user *repo.User, msg channel.ParsedMessage) error {
	draft := decodeDraft(user.Draft)
	if draft.Registration == nil {
		draft.Registration = &RegistrationDraft{}
	}
	reg := draft.Registration

	switch user.DialogState {
	case StateRegisterName:
		if msg.Type != channel.TypeText || strings.TrimSpace(msg.Body) == "" {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		reg.FullName = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateRegisterPhone, draft); err != nil {
			return err
		}
		e.reply(ctx, user, fmt.Sprintf(t(user.Language, "register_phone"), firstName(reg.FullName)))
		return nil

	case StateRegisterPhone:
		if msg.Type != channel.TypeText {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		phone := strings.ReplaceAll(strings.TrimSpace(msg.Body), " ", "")
		if !phonePattern.MatchString(phone) {
			e.reply(ctx, user, t(user.Language, "invalid_phone"))
			return nil
		}
		reg.SecondaryPhone = phone
		if err := e.setState(ctx, user, StateRegisterID, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "register_id"))
		return nil

	case StateRegisterID:
		if msg.Type != channel.TypeText || strings.TrimSpace(msg.Body) == "" {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		reg.IDNumber = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateRegisterDOB, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "register_dob"))
		return nil

	case StateRegisterDOB:
		if msg.Type != channel.TypeText {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		if _, err := parseDayMonthYear(strings.TrimSpace(msg.Body)); err != nil {
			e.reply(ctx, user, t(user.Language, "invalid_date"))
			return nil
		}
		reg.DateOfBirth = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateRegisterPlate, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "register_plate"))
		return nil

	case StateRegisterPlate:
		if msg.Type != channel.TypeText || strings.TrimSpace(msg.Body) == "" {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		reg.PlateNumber = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(msg.Body), " ", ""))
		if err := e.setState(ctx, user, StateRegisterPhotos, draft); err != nil {
			return err
		}
		e.reply(ctx, user, fmt.Sprintf(t(user.Language, "register_photos"), 0))
		return nil

	case StateRegisterPhotos:
		if msg.Type != channel.TypeImage || msg.MediaRef == "" {
			e.reply(ctx, user, t(user.Language, "need_photo"))
			return nil
		}
		reg.PhotoRefs = append(reg.PhotoRefs, msg.MediaRef)
		if len(reg.PhotoRefs) < registrationPhotoCount {
			if err := e.setState(ctx, user, StateRegisterPhotos, draft); err != nil {
				return err
			}
			e.reply(ctx, user, fmt.Sprintf(t(user.Language, "register_photos"), len(reg.PhotoRefs)))
			return nil
		}
		return e.submitRegistration(ctx, user, reg)
	}
	return nil
}

// submitRegistration is the terminal write of the onboarding flow. A
// redelivered final photo finds kyc_status already pending and does not
// file a second submission.
func (e *Engine) submitRegistration(ctx context.Context, user *repo.User, reg *RegistrationDraft) error {
	if user.KYCStatus == repo.KYCPending || user.KYCStatus == repo.KYCVerified {
		if err := e.setState(ctx, user, StateWaitingApproval, Draft{}); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "register_done"))
		return nil
	}

	dob, err := parseDayMonthYear(reg.DateOfBirth)
	if err != nil {
		return fmt.Errorf("stored date of birth unparseable: %w", err)
	}

	if err := e.store.SaveRegistration(ctx, user.ID, repo.Registration{
		FullName:       reg.FullName,
		SecondaryPhone: reg.SecondaryPhone,
		IDNumber:       reg.IDNumber,
		DateOfBirth:    dob,
		PlateNumber:    reg.PlateNumber,
		PhotoRefs:      reg.PhotoRefs,
	}); err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	user.KYCStatus = repo.KYCPending

	if _, err := e.wallets.EnsureWallet(ctx, user.ID); err != nil {
		// The wallet is recreated lazily at activation time if this fails.
		e.logger.Warn("failed creating wallet at registration", "error", err, "user_id", user.ID)
	}

	if err := e.setState(ctx, user, StateWaitingApproval, Draft{}); err != nil {
		return err
	}
	e.logger.Info("registration submitted", "user_id", user.ID, "plate", reg.PlateNumber)
	e.reply(ctx, user, t(user.Language, "register_done"))
	return nil
}

func firstName(full string) string {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return full
	}
	return parts[0]
}
