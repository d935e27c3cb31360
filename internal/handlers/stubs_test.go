package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/services"
)

var errNotStubbed = errors.New("not stubbed")

type stubCartService struct {
	findOrCreateFunc func(context.Context, services.OwnerKey) (services.Cart, error)
	getFunc          func(context.Context, services.OwnerKey) (services.Cart, error)
	addFunc          func(context.Context, services.CartLineCommand) (services.Cart, error)
	updateFunc       func(context.Context, services.CartLineCommand) (services.Cart, error)
	removeFunc       func(context.Context, services.RemoveCartLineCommand) (services.Cart, error)
	clearFunc        func(context.Context, services.OwnerKey) (services.Cart, error)
	sanitizeFunc     func(context.Context, services.OwnerKey) (services.SanitizeResult, error)
}

func (s *stubCartService) FindOrCreate(ctx context.Context, owner services.OwnerKey) (services.Cart, error) {
	if s.findOrCreateFunc != nil {
		return s.findOrCreateFunc(ctx, owner)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) Get(ctx context.Context, owner services.OwnerKey) (services.Cart, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, owner)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) AddLine(ctx context.Context, cmd services.CartLineCommand) (services.Cart, error) {
	if s.addFunc != nil {
		return s.addFunc(ctx, cmd)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) UpdateLine(ctx context.Context, cmd services.CartLineCommand) (services.Cart, error) {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, cmd)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) RemoveLine(ctx context.Context, cmd services.RemoveCartLineCommand) (services.Cart, error) {
	if s.removeFunc != nil {
		return s.removeFunc(ctx, cmd)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) Clear(ctx context.Context, owner services.OwnerKey) (services.Cart, error) {
	if s.clearFunc != nil {
		return s.clearFunc(ctx, owner)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) Sanitize(ctx context.Context, owner services.OwnerKey) (services.SanitizeResult, error) {
	if s.sanitizeFunc != nil {
		return s.sanitizeFunc(ctx, owner)
	}
	return services.SanitizeResult{}, errNotStubbed
}

type stubGuestService struct {
	newSessionFunc func(context.Context) (services.GuestSession, error)
	mergeFunc      func(context.Context, services.MergeGuestCartCommand) (services.MergeResult, error)
}

func (s *stubGuestService) NewSession(ctx context.Context) (services.GuestSession, error) {
	if s.newSessionFunc != nil {
		return s.newSessionFunc(ctx)
	}
	return services.GuestSession{}, errNotStubbed
}

func (s *stubGuestService) MergeIntoUser(ctx context.Context, cmd services.MergeGuestCartCommand) (services.MergeResult, error) {
	if s.mergeFunc != nil {
		return s.mergeFunc(ctx, cmd)
	}
	return services.MergeResult{}, errNotStubbed
}

type stubOrderService struct {
	createFunc          func(context.Context, services.CreateOrderCommand) (services.Order, error)
	createWholesaleFunc func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFunc             func(context.Context, string, services.Actor) (services.Order, error)
	listFunc            func(context.Context, string, int) ([]services.Order, error)
	setStatusFunc       func(context.Context, services.SetOrderStatusCommand) (services.Order, error)
	cancelFunc          func(context.Context, services.OrderReasonCommand) (services.Order, error)
	returnFunc          func(context.Context, services.OrderReasonCommand) (services.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) CreateWholesale(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createWholesaleFunc != nil {
		return s.createWholesaleFunc(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, actor services.Actor) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID, actor)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) ListForUser(ctx context.Context, userID string, limit int) ([]services.Order, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, userID, limit)
	}
	return nil, errNotStubbed
}

func (s *stubOrderService) SetStatus(ctx context.Context, cmd services.SetOrderStatusCommand) (services.Order, error) {
	if s.setStatusFunc != nil {
		return s.setStatusFunc(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.OrderReasonCommand) (services.Order, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) InitiateReturn(ctx context.Context, cmd services.OrderReasonCommand) (services.Order, error) {
	if s.returnFunc != nil {
		return s.returnFunc(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

type stubPaymentService struct {
	createFunc  func(context.Context, services.CreateGatewayOrderCommand) (payments.GatewayOrder, error)
	verifyFunc  func(context.Context, services.VerifyPaymentCommand) (services.Order, error)
	confirmFunc func(context.Context, payments.GatewayOrder) (services.Order, error)
}

func (s *stubPaymentService) CreateGatewayOrder(ctx context.Context, cmd services.CreateGatewayOrderCommand) (payments.GatewayOrder, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return payments.GatewayOrder{}, errNotStubbed
}

func (s *stubPaymentService) VerifyPayment(ctx context.Context, cmd services.VerifyPaymentCommand) (services.Order, error) {
	if s.verifyFunc != nil {
		return s.verifyFunc(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubPaymentService) ConfirmGatewayPayment(ctx context.Context, gw payments.GatewayOrder) (services.Order, error) {
	if s.confirmFunc != nil {
		return s.confirmFunc(ctx, gw)
	}
	return services.Order{}, errNotStubbed
}

type stubWebhookParser struct {
	parseFunc func(payload []byte, header string) (payments.GatewayOrder, error)
}

func (s stubWebhookParser) Parse(payload []byte, header string) (payments.GatewayOrder, error) {
	if s.parseFunc != nil {
		return s.parseFunc(payload, header)
	}
	return payments.GatewayOrder{}, errNotStubbed
}

type stubSettingsService struct {
	currentFunc func(context.Context) (services.WholesaleSettings, error)
	updateFunc  func(context.Context, services.UpdateWholesaleSettingsCommand) (services.WholesaleSettings, error)
}

func (s *stubSettingsService) Current(ctx context.Context) (services.WholesaleSettings, error) {
	if s.currentFunc != nil {
		return s.currentFunc(ctx)
	}
	return services.WholesaleSettings{}, errNotStubbed
}

func (s *stubSettingsService) Update(ctx context.Context, cmd services.UpdateWholesaleSettingsCommand) (services.WholesaleSettings, error) {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, cmd)
	}
	return services.WholesaleSettings{}, errNotStubbed
}

type stubTokenService struct {
	refreshFunc func(context.Context, string) (services.TokenPair, error)
	revokeFunc  func(context.Context, string) error
}

func (s *stubTokenService) Issue(context.Context, services.TokenSubject) (services.TokenPair, error) {
	return services.TokenPair{}, errNotStubbed
}

func (s *stubTokenService) Refresh(ctx context.Context, token string) (services.TokenPair, error) {
	if s.refreshFunc != nil {
		return s.refreshFunc(ctx, token)
	}
	return services.TokenPair{}, errNotStubbed
}

func (s *stubTokenService) Revoke(ctx context.Context, token string) error {
	if s.revokeFunc != nil {
		return s.revokeFunc(ctx, token)
	}
	return errNotStubbed
}

type stubVerifier struct {
	identities map[string]*auth.Identity
}

func (s stubVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if identity, ok := s.identities[token]; ok {
		return identity, nil
	}
	return nil, errors.New("unknown token")
}

var (
	_ services.CartService              = (*stubCartService)(nil)
	_ services.GuestSessionService      = (*stubGuestService)(nil)
	_ services.OrderService             = (*stubOrderService)(nil)
	_ services.PaymentService           = (*stubPaymentService)(nil)
	_ services.WholesaleSettingsService = (*stubSettingsService)(nil)
	_ services.TokenService             = (*stubTokenService)(nil)
	_ auth.TokenVerifier                = stubVerifier{}
	_ WebhookParser                     = stubWebhookParser{}
)

func withIdentity(req *http.Request, uid string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: roles}))
}

type errorBody struct {
	Message string `json:"message"`
	Errors  []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rr.Body.String(), err)
	}
	if body.Message == "" {
		t.Fatalf("expected message in error body, got %q", rr.Body.String())
	}
	return body
}
