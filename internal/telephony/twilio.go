package telephony

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioProvider places calls through the Twilio REST API.
type TwilioProvider struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" || strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, ErrNotConfigured
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{client: client, from: cfg.FromNumber}, nil
}

// PlaceCall dials req.To. The SDK is not context-aware, so ctx is only
// checked before the request.
func (p *TwilioProvider) PlaceCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, err
	}
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(p.from)
	params.SetUrl(req.AnswerURL)
	params.SetMethod("POST")
	if req.Record {
		params.SetRecord(true)
	}
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(statusCallbackEvents)
	}

	call, err := p.client.Api.CreateCall(params)
	if err != nil {
		return CallResult{}, wrapTwilioError(err)
	}
	res := CallResult{From: p.from}
	if call.Sid != nil {
		res.SID = *call.Sid
	}
	if call.Status != nil {
		res.Status = *call.Status
	}
	if res.SID == "" {
		return CallResult{}, &ProviderError{Message: "call created without sid"}
	}
	return res, nil
}

// EndCall asks Twilio to complete a live call.
func (p *TwilioProvider) EndCall(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.client.Api.UpdateCall(callSID, params); err != nil {
		return wrapTwilioError(err)
	}
	return nil
}

func wrapTwilioError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &ProviderError{
			Code:    strconv.Itoa(restErr.Code),
			Message: restErr.Message,
			Err:     err,
		}
	}
	return &ProviderError{Message: err.Error(), Err: err}
}
