package convo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bodasure/internal/channel"
	"bodasure/internal/claims"
	"bodasure/internal/repo"
)

const claimPhotoLimit = 4

func (e *Engine) startClaim(ctx context.Context, user *repo.User) error {
	policies, err := e.store.ListPoliciesByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	active := policies[:0:0]
	for _, p := range policies {
		if p.Status == repo.PolicyActive {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		e.reply(ctx, user, t(user.Language, "no_active_policies"))
		e.sendMainMenu(ctx, user)
		return nil
	}

	if err := e.setState(ctx, user, StateClaimSelectPolicy, Draft{Claim: &ClaimDraft{}}); err != nil {
		return err
	}

	opts := make([]channel.Option, 0, len(active))
	for _, p := range active {
		opts = append(opts, channel.Option{
			ID:    p.ID,
			Title: fmt.Sprintf("%s (expires %s)", p.PolicyNumber, p.EndAt.Format("02 Jan")),
		})
	}
	sections := []channel.Section{{Options: opts}}
	if err := e.sender.SendList(ctx, user.Phone, t(user.Language, "claim_select"), "", sections); err != nil {
		e.logger.Warn("failed sending policy list", "error", err, "user_id", user.ID)
	}
	return nil
}

func (e *Engine) handleClaim(ctx context.Context, user *repo.User, msg channel.ParsedMessage) error {
	draft := decodeDraft(user.Draft)
	if draft.Claim == nil {
		draft.Claim = &ClaimDraft{}
	}
	cl := draft.Claim

	switch user.DialogState {
	case StateClaimSelectPolicy:
		pol := e.matchActivePolicy(ctx, user.ID, strings.TrimSpace(msg.Body))
		if pol == nil {
			e.reply(ctx, user, t(user.Language, "need_choice"))
			return nil
		}
		cl.PolicyID = pol.ID
		cl.PolicyNo = pol.PolicyNumber
		if err := e.setState(ctx, user, StateClaimDate, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "claim_date"))
		return nil

	case StateClaimDate:
		if msg.Type != channel.TypeText {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		if _, err := parseDayMonthYear(strings.TrimSpace(msg.Body)); err != nil {
			e.reply(ctx, user, t(user.Language, "invalid_date"))
			return nil
		}
		cl.Date = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateClaimTime, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "claim_time"))
		return nil

	case StateClaimTime:
		if msg.Type != channel.TypeText {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		if _, _, err := parseClock(strings.TrimSpace(msg.Body)); err != nil {
			e.reply(ctx, user, t(user.Language, "invalid_time"))
			return nil
		}
		cl.Time = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateClaimLocation, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "claim_location"))
		return nil

	case StateClaimLocation:
		if msg.Type != channel.TypeText || strings.TrimSpace(msg.Body) == "" {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		cl.Location = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateClaimDescription, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "claim_desc"))
		return nil

	case StateClaimDescription:
		if msg.Type != channel.TypeText || strings.TrimSpace(msg.Body) == "" {
			e.reply(ctx, user, t(user.Language, "need_text"))
			return nil
		}
		cl.Description = strings.TrimSpace(msg.Body)
		if err := e.setState(ctx, user, StateClaimPhotos, draft); err != nil {
			return err
		}
		e.reply(ctx, user, fmt.Sprintf(t(user.Language, "claim_photos"), 0))
		return nil

	case StateClaimPhotos:
		if msg.Type == channel.TypeImage && msg.MediaRef != "" {
			cl.MediaRefs = append(cl.MediaRefs, msg.MediaRef)
			if len(cl.MediaRefs) >= claimPhotoLimit {
				return e.submitClaim(ctx, user, cl)
			}
			if err := e.setState(ctx, user, StateClaimPhotos, draft); err != nil {
				return err
			}
			e.reply(ctx, user, fmt.Sprintf(t(user.Language, "claim_photos"), len(cl.MediaRefs)))
			return nil
		}
		if msg.Type == channel.TypeText && strings.EqualFold(strings.TrimSpace(msg.Body), "done") {
			if len(cl.MediaRefs) == 0 {
				e.reply(ctx, user, t(user.Language, "claim_photos_min"))
				return nil
			}
			return e.submitClaim(ctx, user, cl)
		}
		e.reply(ctx, user, t(user.Language, "need_photo"))
		return nil
	}
	return nil
}

// submitClaim is the terminal write of the claim flow. The orchestrator
// deduplicates by (user, policy, incident time), so a redelivered final
// input returns the already-filed claim.
func (e *Engine) submitClaim(ctx context.Context, user *repo.User, cl *ClaimDraft) error {
	incidentAt, err := combineDateTime(cl.Date, cl.Time)
	if err != nil {
		return fmt.Errorf("stored incident time unparseable: %w", err)
	}

	claim, err := e.claims.Submit(ctx, user, cl.PolicyID, claims.Submission{
		IncidentAt:  incidentAt,
		Location:    cl.Location,
		Description: cl.Description,
		MediaRefs:   cl.MediaRefs,
	})
	if err != nil {
		if errors.Is(err, claims.ErrPolicyNotClaimable) {
			if stateErr := e.setState(ctx, user, StateMainMenu, Draft{}); stateErr != nil {
				return stateErr
			}
			e.reply(ctx, user, t(user.Language, "claim_outside"))
			e.sendMainMenu(ctx, user)
			return nil
		}
		return fmt.Errorf("submit claim: %w", err)
	}

	if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
		return err
	}
	e.reply(ctx, user, fmt.Sprintf(t(user.Language, "claim_done"), claim.ClaimNumber))
	return nil
}

func (e *Engine) matchActivePolicy(ctx context.Context, userID, choice string) *repo.Policy {
	policies, err := e.store.ListPoliciesByUser(ctx, userID)
	if err != nil {
		e.logger.Warn("failed listing policies", "error", err, "user_id", userID)
		return nil
	}
	active := policies[:0:0]
	for _, p := range policies {
		if p.Status == repo.PolicyActive {
			active = append(active, p)
		}
	}
	for i := range active {
		if strings.EqualFold(active[i].ID, choice) || strings.EqualFold(active[i].PolicyNumber, choice) {
			return &active[i]
		}
	}
	if idx, err := strconv.Atoi(choice); err == nil && idx >= 1 && idx <= len(active) {
		return &active[idx-1]
	}
	return nil
}

func combineDateTime(date, clock string) (time.Time, error) {
	day, err := parseDayMonthYear(date)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.Local), nil
}
