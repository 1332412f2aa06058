package payments

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/types"
)

const (
	ProviderCryptomus = "cryptomus"

	defaultCryptomusURL = "https://api.cryptomus.com"
	orderPrefix         = "sub"
	orderSeparator      = "-"

	// cryptomusLifetime is how long an invoice accepts payment, in seconds.
	cryptomusLifetime = 900
)

var cryptomusStatuses = map[string]types.PaymentStatus{
	"paid":                 types.PaymentConfirmed,
	"paid_over":            types.PaymentConfirmed,
	"fail":                 types.PaymentFailed,
	"cancel":               types.PaymentFailed,
	"system_fail":          types.PaymentFailed,
	"wrong_amount":         types.PaymentFailed,
	"refund_paid":          types.PaymentFailed,
	"check":                types.PaymentPending,
	"process":              types.PaymentPending,
	"confirm_check":        types.PaymentPending,
	"wrong_amount_waiting": types.PaymentPending,
}

// OrderID builds the Cryptomus order id for a purchase. Cryptomus accepts
// only letters, digits, dashes and underscores, so the parts are joined with
// dashes and none of them may contain one. The nonce keeps repeated
// purchases of the same plan distinct.
func OrderID(subscriberID, planID, nonce string) string {
	return strings.Join([]string{orderPrefix, subscriberID, planID, nonce}, orderSeparator)
}

func parseOrderID(orderID string) (subscriberID, planID string, ok bool) {
	parts := strings.Split(orderID, orderSeparator)
	if len(parts) != 4 || parts[0] != orderPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

type cryptomusPayment struct {
	UUID     string `json:"uuid"`
	OrderID  string `json:"order_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	From     string `json:"from"`
}

type CryptomusProvider struct {
	apiKey      string
	merchantID  string
	baseURL     string
	callbackURL string
	returnURL   string
	client      *http.Client
}

func NewCryptomusProvider(apiKey, merchantID, baseURL string) *CryptomusProvider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultCryptomusURL
	}
	return &CryptomusProvider{
		apiKey:     apiKey,
		merchantID: merchantID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// WithCheckout sets the URLs handed to invoices opened by Create. An empty
// callbackURL leaves the merchant default in place.
func (p *CryptomusProvider) WithCheckout(callbackURL, returnURL string) *CryptomusProvider {
	p.callbackURL = callbackURL
	p.returnURL = returnURL
	return p
}

func (p *CryptomusProvider) Name() string { return ProviderCryptomus }

// cryptomusSign computes md5(base64(body) + apiKey).
func cryptomusSign(body []byte, apiKey string) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + apiKey))
	return hex.EncodeToString(sum[:])
}

// cryptomusCanonical re-emits a webhook body the way the provider signs it:
// keys in their original order, the top-level sign field removed, compact,
// unicode unescaped and slashes escaped. It returns the sign value as well.
func cryptomusCanonical(body []byte) ([]byte, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, "", err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, "", errors.New("body is not an object")
	}
	c := &canonicalWriter{dec: dec}
	sign, err := c.object(true)
	if err != nil {
		return nil, "", err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, "", errors.New("trailing data after object")
	}
	return c.buf.Bytes(), sign, nil
}

type canonicalWriter struct {
	dec *json.Decoder
	buf bytes.Buffer
}

// object writes the members of an object whose opening brace was consumed.
func (c *canonicalWriter) object(top bool) (string, error) {
	var sign string
	c.buf.WriteByte('{')
	first := true
	for c.dec.More() {
		tok, err := c.dec.Token()
		if err != nil {
			return "", err
		}
		key, ok := tok.(string)
		if !ok {
			return "", fmt.Errorf("unexpected object key %v", tok)
		}
		if top && key == "sign" {
			v, err := c.dec.Token()
			if err != nil {
				return "", err
			}
			s, ok := v.(string)
			if !ok {
				return "", errors.New("sign is not a string")
			}
			sign = s
			continue
		}
		if !first {
			c.buf.WriteByte(',')
		}
		first = false
		if err := c.str(key); err != nil {
			return "", err
		}
		c.buf.WriteByte(':')
		if err := c.value(); err != nil {
			return "", err
		}
	}
	if _, err := c.dec.Token(); err != nil {
		return "", err
	}
	c.buf.WriteByte('}')
	return sign, nil
}

func (c *canonicalWriter) array() error {
	c.buf.WriteByte('[')
	first := true
	for c.dec.More() {
		if !first {
			c.buf.WriteByte(',')
		}
		first = false
		if err := c.value(); err != nil {
			return err
		}
	}
	if _, err := c.dec.Token(); err != nil {
		return err
	}
	c.buf.WriteByte(']')
	return nil
}

func (c *canonicalWriter) value() error {
	tok, err := c.dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		if t == '{' {
			_, err := c.object(false)
			return err
		}
		return c.array()
	case string:
		return c.str(t)
	case json.Number:
		c.buf.WriteString(t.String())
	case bool:
		c.buf.WriteString(strconv.FormatBool(t))
	case nil:
		c.buf.WriteString("null")
	}
	return nil
}

func (c *canonicalWriter) str(s string) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	out := bytes.TrimRight(b.Bytes(), "\n")
	c.buf.Write(bytes.ReplaceAll(out, []byte("/"), []byte(`\/`)))
	return nil
}

func (p *CryptomusProvider) Verify(raw RawPayload) (VerifiedPayload, error) {
	canonical, sign, err := cryptomusCanonical(raw.Body)
	if err != nil {
		return VerifiedPayload{}, &types.AuthenticityError{Provider: ProviderCryptomus, Reason: "invalid json", Err: err}
	}
	if sign == "" {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderCryptomus, "missing sign")
	}
	want := cryptomusSign(canonical, p.apiKey)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(sign)), []byte(want)) != 1 {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderCryptomus, "signature mismatch")
	}
	return VerifiedPayload{Provider: ProviderCryptomus, Body: raw.Body}, nil
}

func (p *CryptomusProvider) Normalize(v VerifiedPayload) (types.PaymentEvent, error) {
	var pay cryptomusPayment
	if err := json.Unmarshal(v.Body, &pay); err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderCryptomus, Reason: "invalid payment", Err: err}
	}
	status, ok := cryptomusStatuses[strings.ToLower(strings.TrimSpace(pay.Status))]
	if !ok {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderCryptomus, fmt.Sprintf("unknown status %q", pay.Status))
	}
	subscriberID, planID, ok := parseOrderID(pay.OrderID)
	if !ok {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderCryptomus, "unrecognized order id")
	}
	amount, err := parseMinorUnits(pay.Amount)
	if err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderCryptomus, Reason: "invalid amount", Err: err}
	}
	if strings.TrimSpace(pay.UUID) == "" {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderCryptomus, "missing uuid")
	}
	return types.PaymentEvent{
		Provider:      ProviderCryptomus,
		TransactionID: pay.UUID,
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(pay.Currency)),
		SubscriberID:  subscriberID,
		PlanID:        planID,
		Status:        status,
		PayerRef:      strings.TrimSpace(pay.From),
	}, nil
}

type cryptomusResponse struct {
	State   int             `json:"state"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type cryptomusInvoice struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	URLCallback string `json:"url_callback,omitempty"`
	URLReturn   string `json:"url_return,omitempty"`
	URLSuccess  string `json:"url_success,omitempty"`
	Lifetime    int    `json:"lifetime"`
}

// call POSTs a signed request and returns the result of a successful one.
func (p *CryptomusProvider) call(ctx context.Context, op, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", p.merchantID)
	req.Header.Set("sign", cryptomusSign(body, p.apiKey))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cryptomus %s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cryptomus %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cryptomus %s: status %d", op, resp.StatusCode)
	}
	var out cryptomusResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cryptomus %s: %w", op, err)
	}
	if out.State != 0 || len(out.Result) == 0 {
		return nil, fmt.Errorf("cryptomus %s: state %d: %s", op, out.State, out.Message)
	}
	return out.Result, nil
}

// Create opens an invoice. Its uuid is the transaction id later webhooks and
// polls carry.
func (p *CryptomusProvider) Create(ctx context.Context, o Order) (Checkout, error) {
	if strings.Contains(o.SubscriberID+o.Plan.ID+o.Nonce, orderSeparator) || o.Nonce == "" {
		return Checkout{}, fmt.Errorf("order %s/%s cannot form a cryptomus order id", o.SubscriberID, o.Plan.ID)
	}
	result, err := p.call(ctx, "create invoice", "/v1/payment", cryptomusInvoice{
		Amount:      formatMinorUnits(o.Plan.PriceMinor),
		Currency:    o.Plan.Currency,
		OrderID:     OrderID(o.SubscriberID, o.Plan.ID, o.Nonce),
		URLCallback: p.callbackURL,
		URLReturn:   p.returnURL,
		URLSuccess:  p.returnURL,
		Lifetime:    cryptomusLifetime,
	})
	if err != nil {
		return Checkout{}, err
	}
	var inv struct {
		UUID string `json:"uuid"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(result, &inv); err != nil {
		return Checkout{}, fmt.Errorf("cryptomus create invoice: %w", err)
	}
	if inv.UUID == "" || inv.URL == "" {
		return Checkout{}, errors.New("cryptomus create invoice: response without uuid or url")
	}
	return Checkout{
		Provider:      ProviderCryptomus,
		URL:           inv.URL,
		TransactionID: inv.UUID,
		Amount:        o.Plan.PriceMinor,
		Currency:      o.Plan.Currency,
	}, nil
}

// Poll fetches the payment from /v1/payment/info. The response is trusted
// because it comes from an authenticated API call.
func (p *CryptomusProvider) Poll(ctx context.Context, transactionID string) (VerifiedPayload, error) {
	result, err := p.call(ctx, "payment info", "/v1/payment/info", map[string]string{"uuid": transactionID})
	if err != nil {
		return VerifiedPayload{}, err
	}
	return VerifiedPayload{Provider: ProviderCryptomus, Body: result}, nil
}
