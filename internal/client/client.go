// Package client provides a Twilio API client for internal use.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	twilio "github.com/agentplexus/convai-twilio"
)

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	accountSID := cfg.AccountSID
	if accountSID == "" {
		accountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if accountSID == "" {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID is required")
	}

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if authToken == "" {
		return nil, fmt.Errorf("TWILIO_AUTH_TOKEN is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = twilio.DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call represents a Twilio call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	AnsweredBy  string `json:"answered_by"`
	DateCreated string `json:"date_created"`
}

// MakeCallParams are parameters for making a call.
type MakeCallParams struct {
	To                     string
	From                   string
	URL                    string   // TwiML URL
	Twiml                  string   // Inline TwiML
	StatusCallback         string   // Webhook for status updates
	StatusCallbackEvent    []string // Events to receive
	MachineDetection       string   // "Enable" or "DetectMessageEnd"
	AsyncAMD               bool     // Report AMD asynchronously
	AsyncAMDStatusCallback string   // Webhook for async AMD results
	Timeout                int      // Ring timeout in seconds
}

// MakeCall initiates an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)

	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
	}
	for _, event := range params.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}
	if params.MachineDetection != "" {
		data.Set("MachineDetection", params.MachineDetection)
	}
	if params.AsyncAMD {
		data.Set("AsyncAmd", "true")
	}
	if params.AsyncAMDStatusCallback != "" {
		data.Set("AsyncAmdStatusCallback", params.AsyncAMDStatusCallback)
	}
	if params.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(params.Timeout))
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallParams are parameters for updating a call.
type UpdateCallParams struct {
	URL    string // New TwiML URL
	Twiml  string // Inline TwiML
	Status string // "completed" to hang up, "canceled" to cancel
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params *UpdateCallParams) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))

	data := url.Values{}
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// RedirectCall replaces the TwiML of a live call, e.g. to move it into a conference.
func (c *Client) RedirectCall(ctx context.Context, callSID, twiml string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, &UpdateCallParams{Twiml: twiml})
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, &UpdateCallParams{Status: "completed"})
}

// Participant represents a conference participant resource.
type Participant struct {
	CallSID       string `json:"call_sid"`
	ConferenceSID string `json:"conference_sid"`
	Label         string `json:"label"`
	Status        string `json:"status"`
}

// CreateParticipantParams are parameters for dialling a new conference participant.
type CreateParticipantParams struct {
	From                          string
	To                            string
	Label                         string
	Beep                          bool
	EndConferenceOnExit           bool
	ConferenceStatusCallback      string
	ConferenceStatusCallbackEvent []string
}

// CreateParticipant dials a number into a conference. The conference is
// addressed by its friendly name, which Twilio accepts in place of the SID.
func (c *Client) CreateParticipant(ctx context.Context, conference string, params *CreateParticipantParams) (*Participant, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Conferences/%s/Participants.json",
		c.baseURL, c.accountSID, url.PathEscape(conference))

	data := url.Values{}
	data.Set("From", params.From)
	data.Set("To", params.To)
	data.Set("Beep", strconv.FormatBool(params.Beep))
	data.Set("EndConferenceOnExit", strconv.FormatBool(params.EndConferenceOnExit))
	if params.Label != "" {
		data.Set("Label", params.Label)
	}
	if params.ConferenceStatusCallback != "" {
		data.Set("ConferenceStatusCallback", params.ConferenceStatusCallback)
	}
	for _, event := range params.ConferenceStatusCallbackEvent {
		data.Add("ConferenceStatusCallbackEvent", event)
	}

	var participant Participant
	if err := c.post(ctx, endpoint, data, &participant); err != nil {
		return nil, err
	}
	return &participant, nil
}

// Error represents a Twilio API error.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// post performs a POST request with form data.
func (c *Client) post(ctx context.Context, url string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr Error
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return fmt.Errorf("twilio error: %s", string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
