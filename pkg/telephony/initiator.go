package telephony

import (
	"context"
	"fmt"
	"net/url"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// ============================================
// OUTBOUND CALL INITIATOR
// ============================================

// OutboundCallRequest is the body of POST /outbound-call.
type OutboundCallRequest struct {
	Number       string `json:"number"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`
}

// callCreator is the slice of the Twilio SDK the initiator needs.
// Satisfied by twilio.RestClient.Api.
type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Initiator places outbound calls through the telephony provider, pointing
// the provider's call-control webhook back at this server so the resulting
// media stream lands on the bridge.
type Initiator struct {
	calls  callCreator
	from   string
	store  CallStore
	logger *zap.Logger
}

// NewInitiator creates an initiator backed by the Twilio REST API.
func NewInitiator(accountSid, authToken, fromNumber string, store CallStore, logger *zap.Logger) *Initiator {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})

	if store == nil {
		store = NopCallStore{}
	}

	return &Initiator{
		calls:  client.Api,
		from:   fromNumber,
		store:  store,
		logger: logger.Named("initiator"),
	}
}

// PlaceCall asks the provider to dial the destination. The callback URL
// embeds the prompt and greeting as query parameters; the provider
// dereferences it for call-control instructions and then opens the media
// stream. Returns the provider-assigned call SID.
func (i *Initiator) PlaceCall(ctx context.Context, req OutboundCallRequest, callbackHost string) (string, error) {
	if req.Number == "" {
		return "", &ValidationError{Field: "number", Reason: "destination number is required"}
	}
	if !isValidE164(req.Number) {
		return "", &ValidationError{Field: "number", Reason: "must be in E.164 format (+1234567890)"}
	}

	callbackURL := fmt.Sprintf("https://%s/outbound-call-twiml?prompt=%s&first_message=%s",
		callbackHost,
		url.QueryEscape(req.Prompt),
		url.QueryEscape(req.FirstMessage),
	)

	params := &api.CreateCallParams{}
	params.SetTo(req.Number)
	params.SetFrom(i.from)
	params.SetUrl(callbackURL)

	resp, err := i.calls.CreateCall(params)
	if err != nil {
		i.logger.Error("call creation failed",
			zap.String("to", req.Number),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create call: %w", err)
	}

	callSid := ""
	if resp.Sid != nil {
		callSid = *resp.Sid
	}

	i.logger.Info("outbound call placed",
		zap.String("call_sid", callSid),
		zap.String("to", req.Number),
	)

	if err := i.store.RecordInitiated(ctx, callSid, req.Number); err != nil {
		i.logger.Warn("failed to record call initiation", zap.Error(err))
	}

	return callSid, nil
}

// isValidE164 checks basic E.164 shape: +, then 2 to 14 digits.
func isValidE164(phone string) bool {
	if len(phone) < 3 || len(phone) > 15 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	for _, c := range phone[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
