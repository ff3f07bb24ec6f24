package convo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bodasure/internal/channel"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
)

func (e *Engine) startPurchase(ctx context.Context, user *repo.User) error {
	if err := e.setState(ctx, user, StateBuySelectCover, Draft{Purchase: &PurchaseDraft{}}); err != nil {
		return err
	}
	opts := []channel.Option{
		{ID: "cover_third_party", Title: t(user.Language, "cover_third_party")},
		{ID: "cover_comprehensive", Title: t(user.Language, "cover_comprehensive")},
		{ID: "cover_accident", Title: t(user.Language, "cover_accident")},
	}
	if err := e.sender.SendButtons(ctx, user.Phone, t(user.Language, "buy_select_cover"), opts); err != nil {
		e.logger.Warn("failed sending cover options", "error", err, "user_id", user.ID)
	}
	return nil
}

func (e *Engine) handlePurchase(ctx context.Context, user *repo.User, msg channel.ParsedMessage) error {
	draft := decodeDraft(user.Draft)
	if draft.Purchase == nil {
		draft.Purchase = &PurchaseDraft{}
	}
	buy := draft.Purchase
	choice := strings.ToLower(strings.TrimSpace(msg.Body))

	switch user.DialogState {
	case StateBuySelectCover:
		coverage := ""
		switch choice {
		case "cover_third_party", "1":
			coverage = policy.CoverageThirdParty
		case "cover_comprehensive", "2":
			coverage = policy.CoverageComprehensive
		case "cover_accident", "3":
			coverage = policy.CoveragePersonalAccident
		}
		if coverage == "" {
			e.reply(ctx, user, t(user.Language, "need_choice"))
			return nil
		}
		buy.Coverage = coverage
		return e.sendProductList(ctx, user, draft)

	case StateBuySelectProduct:
		products, err := e.catalog.ByCategory(ctx, buy.Coverage)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		product := pickProduct(products, choice)
		if product == nil {
			e.reply(ctx, user, t(user.Language, "need_choice"))
			return nil
		}
		buy.ProductID = product.ID
		buy.ProductName = product.Name
		buy.Premium = product.Premium
		if err := e.setState(ctx, user, StateBuyVehicleValue, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "buy_vehicle_value"))
		return nil

	case StateBuyVehicleValue:
		value, err := strconv.ParseInt(strings.TrimSpace(msg.Body), 10, 64)
		if err != nil || value <= 0 {
			e.reply(ctx, user, t(user.Language, "invalid_number"))
			return nil
		}
		buy.VehicleValue = value
		if err := e.setState(ctx, user, StateBuyVehicleAge, draft); err != nil {
			return err
		}
		e.reply(ctx, user, t(user.Language, "buy_vehicle_age"))
		return nil

	case StateBuyVehicleAge:
		age, err := strconv.Atoi(strings.TrimSpace(msg.Body))
		if err != nil || age < 0 {
			e.reply(ctx, user, t(user.Language, "invalid_number"))
			return nil
		}
		buy.VehicleAge = age
		return e.sendQuoteConfirm(ctx, user, draft)

	case StateBuyConfirm:
		switch choice {
		case "buy_yes", "yes", "1", "ndiyo":
			return e.confirmPurchase(ctx, user, draft)
		case "buy_no", "no", "2", "hapana":
			if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
				return err
			}
			e.reply(ctx, user, t(user.Language, "buy_cancelled"))
			e.sendMainMenu(ctx, user)
			return nil
		default:
			e.reply(ctx, user, t(user.Language, "need_choice"))
			return nil
		}
	}
	return nil
}

func (e *Engine) sendProductList(ctx context.Context, user *repo.User, draft Draft) error {
	products, err := e.catalog.ByCategory(ctx, draft.Purchase.Coverage)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if len(products) == 0 {
		e.reply(ctx, user, t(user.Language, "no_products"))
		return nil
	}

	if err := e.setState(ctx, user, StateBuySelectProduct, draft); err != nil {
		return err
	}

	opts := make([]channel.Option, 0, len(products))
	for _, p := range products {
		opts = append(opts, channel.Option{
			ID:    p.ID,
			Title: fmt.Sprintf("%s (KES %d)", p.Name, p.Premium),
		})
	}
	sections := []channel.Section{{Options: opts}}
	if err := e.sender.SendList(ctx, user.Phone, t(user.Language, "buy_select_product"), "", sections); err != nil {
		e.logger.Warn("failed sending product list", "error", err, "user_id", user.ID)
	}
	return nil
}

func (e *Engine) sendQuoteConfirm(ctx context.Context, user *repo.User, draft Draft) error {
	buy := draft.Purchase
	quote, err := e.policies.CalculateQuote(ctx, user.ID, buy.VehicleValue, buy.VehicleAge, buy.Coverage)
	if err != nil {
		return fmt.Errorf("calculate quote: %w", err)
	}
	buy.QuoteID = quote.ID
	buy.QuoteTotal = quote.Total

	if err := e.setState(ctx, user, StateBuyConfirm, draft); err != nil {
		return err
	}

	body := fmt.Sprintf(t(user.Language, "buy_confirm"),
		buy.ProductName, buy.Premium, quote.Total, quote.ValidUntil.Format("02 Jan 15:04"))
	opts := []channel.Option{
		{ID: "buy_yes", Title: t(user.Language, "buy_yes")},
		{ID: "buy_no", Title: t(user.Language, "buy_no")},
	}
	if err := e.sender.SendButtons(ctx, user.Phone, body, opts); err != nil {
		e.logger.Warn("failed sending purchase confirmation", "error", err, "user_id", user.ID)
	}
	return nil
}

// confirmPurchase is the terminal write of the buy flow. If a redelivered
// confirmation finds a policy already created for this draft's quote, it
// resends the acknowledgement instead of charging again.
func (e *Engine) confirmPurchase(ctx context.Context, user *repo.User, draft Draft) error {
	buy := draft.Purchase

	if buy.QuoteID != "" {
		if existing := e.policyForQuote(ctx, user.ID, buy.QuoteID); existing != nil {
			if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
				return err
			}
			e.reply(ctx, user, fmt.Sprintf(t(user.Language, "buy_initiated"), existing.PolicyNumber))
			return nil
		}
	}

	product, err := e.store.GetProductByID(ctx, buy.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}

	var quoteID *string
	if buy.QuoteID != "" {
		quoteID = &buy.QuoteID
	}
	created, err := e.policies.Purchase(ctx, user, product, quoteID)
	if err != nil {
		if errors.Is(err, policy.ErrQuoteExpired) {
			e.reply(ctx, user, t(user.Language, "quote_expired"))
			return e.sendQuoteConfirm(ctx, user, draft)
		}
		return fmt.Errorf("purchase: %w", err)
	}

	if err := e.setState(ctx, user, StateMainMenu, Draft{}); err != nil {
		return err
	}
	e.reply(ctx, user, fmt.Sprintf(t(user.Language, "buy_initiated"), created.PolicyNumber))
	return nil
}

func (e *Engine) policyForQuote(ctx context.Context, userID, quoteID string) *repo.Policy {
	policies, err := e.store.ListPoliciesByUser(ctx, userID)
	if err != nil {
		e.logger.Warn("failed listing policies for idempotence check", "error", err, "user_id", userID)
		return nil
	}
	for i := range policies {
		if policies[i].QuoteID != nil && *policies[i].QuoteID == quoteID {
			return &policies[i]
		}
	}
	return nil
}

func pickProduct(products []repo.Product, choice string) *repo.Product {
	for i := range products {
		if strings.EqualFold(products[i].ID, choice) {
			return &products[i]
		}
	}
	if idx, err := strconv.Atoi(choice); err == nil && idx >= 1 && idx <= len(products) {
		return &products[idx-1]
	}
	return nil
}
