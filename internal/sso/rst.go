package sso

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTokenEndpoint is the live identity RST2 token service.
const DefaultTokenEndpoint = "https://login.live.com/RST2.srf"

const rstTimeout = 30 * time.Second

// Requester is the HTTP TokenRequester talking WS-Trust to the identity
// service. One envelope carries one RequestSecurityToken per wanted domain.
type Requester struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewRequester creates a token requester against the default endpoint.
func NewRequester(logger *zap.Logger) *Requester {
	return &Requester{
		endpoint: DefaultTokenEndpoint,
		client:   &http.Client{Timeout: rstTimeout},
		logger:   logger.With(zap.String("component", "sso")),
	}
}

// NewRequesterWithEndpoint creates a token requester against a specific
// token-service URL, used for third-party deployments.
func NewRequesterWithEndpoint(endpoint string, logger *zap.Logger) *Requester {
	r := NewRequester(logger)
	r.endpoint = endpoint
	return r
}

// RequestTickets implements TokenRequester.
func (r *Requester) RequestTickets(ctx context.Context, req TokenRequest) ([]*Ticket, error) {
	envelope := buildTokenEnvelope(req)
	body, err := r.post(ctx, r.endpoint, envelope)
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if resp.Fault != nil {
		if url := resp.Fault.RedirectURL(); url != "" {
			return nil, &FederatedRealmError{RedirectURL: url}
		}
		return nil, fmt.Errorf("token service fault: %s", resp.Fault.Text())
	}

	tickets := make([]*Ticket, 0, len(resp.Responses))
	for _, rstr := range resp.Responses {
		tt, ok := typeForDomain(rstr.AppliesTo())
		if !ok {
			// The service always issues a legacy compatibility token first;
			// it maps to no requested domain.
			continue
		}
		t := &Ticket{
			Type:         tt,
			Domain:       rstr.AppliesTo(),
			Value:        rstr.TokenValue(),
			BinarySecret: rstr.BinarySecret(),
			Created:      parseLifetime(rstr.Lifetime.Created),
			Expires:      parseLifetime(rstr.Lifetime.Expires),
		}
		if t.Value == "" {
			continue
		}
		tickets = append(tickets, t)
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("token service returned no usable tickets")
	}
	r.logger.Debug("tickets issued",
		zap.String("account", req.Account),
		zap.Int("count", len(tickets)))
	return tickets, nil
}

// RequestFederationAssertion implements TokenRequester. It signs in against
// the federated realm's own token service and returns the raw assertion.
func (r *Requester) RequestFederationAssertion(ctx context.Context, redirectURL, account, password string) (string, error) {
	envelope := buildFederationEnvelope(redirectURL, account, password)
	body, err := r.post(ctx, redirectURL, envelope)
	if err != nil {
		return "", err
	}

	var resp federationResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse federation response: %w", err)
	}
	if resp.Fault != nil {
		return "", fmt.Errorf("federated token service fault: %s", resp.Fault.Text())
	}
	assertion := strings.TrimSpace(resp.Assertion.Inner)
	if assertion == "" {
		return "", fmt.Errorf("federated response carried no assertion")
	}
	return assertion, nil
}

func (r *Requester) post(ctx context.Context, url, envelope string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer httpResp.Body.Close()

	// SOAP faults arrive with error status codes; the body still parses.
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	return body, nil
}

// typeForDomain inverts the ticketDomains mapping.
func typeForDomain(domain string) (TicketType, bool) {
	for tt, d := range ticketDomains {
		if d == domain {
			return tt, true
		}
	}
	return TicketNone, false
}

func parseLifetime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// buildTokenEnvelope renders the multi-token RST envelope. The first token
// request always targets the legacy compatibility domain; the service
// rejects envelopes without it.
func buildTokenEnvelope(req TokenRequest) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsa="http://www.w3.org/2005/08/addressing" xmlns:wst="http://schemas.xmlsoap.org/ws/2005/02/trust" xmlns:wsp="http://schemas.xmlsoap.org/ws/2004/09/policy" xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">`)
	b.WriteString(`<s:Header>`)
	b.WriteString(`<wsa:Action s:mustUnderstand="1">http://schemas.xmlsoap.org/ws/2005/02/trust/RST/Issue</wsa:Action>`)
	b.WriteString(`<wsa:To s:mustUnderstand="1">HTTPS://login.live.com:443//RST2.srf</wsa:To>`)
	b.WriteString(`<wsse:Security>`)
	if req.FederationAssertion != "" {
		b.WriteString(req.FederationAssertion)
	} else {
		b.WriteString(`<wsse:UsernameToken wsu:Id="user">`)
		b.WriteString(`<wsse:Username>` + xmlEscape(req.Account) + `</wsse:Username>`)
		b.WriteString(`<wsse:Password>` + xmlEscape(req.Password) + `</wsse:Password>`)
		b.WriteString(`</wsse:UsernameToken>`)
	}
	b.WriteString(`</wsse:Security>`)
	b.WriteString(`</s:Header>`)
	b.WriteString(`<s:Body>`)
	b.WriteString(`<ps:RequestMultipleSecurityTokens xmlns:ps="http://schemas.microsoft.com/Passport/SoapServices/PPCRL" Id="RSTS">`)

	writeTokenRequest(&b, 0, "http://Passport.NET/tb", "")
	for i, tt := range req.Types.Split() {
		writeTokenRequest(&b, i+1, tt.Domain(), req.Policy)
	}

	b.WriteString(`</ps:RequestMultipleSecurityTokens>`)
	b.WriteString(`</s:Body>`)
	b.WriteString(`</s:Envelope>`)
	return b.String()
}

func writeTokenRequest(b *strings.Builder, id int, address, policy string) {
	fmt.Fprintf(b, `<wst:RequestSecurityToken Id="RST%d">`, id)
	b.WriteString(`<wst:RequestType>http://schemas.xmlsoap.org/ws/2005/02/trust/Issue</wst:RequestType>`)
	b.WriteString(`<wsp:AppliesTo><wsa:EndpointReference><wsa:Address>` + xmlEscape(address) + `</wsa:Address></wsa:EndpointReference></wsp:AppliesTo>`)
	if policy != "" {
		b.WriteString(`<wsse:PolicyReference URI="` + xmlEscape(policy) + `"></wsse:PolicyReference>`)
	}
	b.WriteString(`</wst:RequestSecurityToken>`)
}

// buildFederationEnvelope renders the single-token RST sent to a federated
// realm's own token service.
func buildFederationEnvelope(endpoint, account, password string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsa="http://www.w3.org/2005/08/addressing" xmlns:wst="http://schemas.xmlsoap.org/ws/2005/02/trust" xmlns:wsp="http://schemas.xmlsoap.org/ws/2004/09/policy">`)
	b.WriteString(`<s:Header>`)
	b.WriteString(`<wsa:Action s:mustUnderstand="1">http://schemas.xmlsoap.org/ws/2005/02/trust/RST/Issue</wsa:Action>`)
	b.WriteString(`<wsa:To s:mustUnderstand="1">` + xmlEscape(endpoint) + `</wsa:To>`)
	b.WriteString(`<wsse:Security>`)
	b.WriteString(`<wsse:UsernameToken>`)
	b.WriteString(`<wsse:Username>` + xmlEscape(account) + `</wsse:Username>`)
	b.WriteString(`<wsse:Password>` + xmlEscape(password) + `</wsse:Password>`)
	b.WriteString(`</wsse:UsernameToken>`)
	b.WriteString(`</wsse:Security>`)
	b.WriteString(`</s:Header>`)
	b.WriteString(`<s:Body>`)
	b.WriteString(`<wst:RequestSecurityToken>`)
	b.WriteString(`<wst:RequestType>http://schemas.xmlsoap.org/ws/2005/02/trust/Issue</wst:RequestType>`)
	b.WriteString(`<wsp:AppliesTo><wsa:EndpointReference><wsa:Address>http://Passport.NET/tb</wsa:Address></wsa:EndpointReference></wsp:AppliesTo>`)
	b.WriteString(`</wst:RequestSecurityToken>`)
	b.WriteString(`</s:Body>`)
	b.WriteString(`</s:Envelope>`)
	return b.String()
}

// Response parsing. Namespace prefixes vary between deployments, so the
// structs match on local element names only.

type tokenResponse struct {
	XMLName   xml.Name    `xml:"Envelope"`
	Fault     *soapFault  `xml:"Body>Fault"`
	Responses []tokenRSTR `xml:"Body>RequestSecurityTokenResponseCollection>RequestSecurityTokenResponse"`
}

type tokenRSTR struct {
	Address       string        `xml:"AppliesTo>EndpointReference>Address"`
	BinaryToken   string        `xml:"RequestedSecurityToken>BinarySecurityToken"`
	EncryptedData innerXML      `xml:"RequestedSecurityToken>EncryptedData"`
	ProofSecret   string        `xml:"RequestedProofToken>BinarySecret"`
	Lifetime      tokenLifetime `xml:"LifeTime"`
}

type tokenLifetime struct {
	Created string `xml:"Created"`
	Expires string `xml:"Expires"`
}

type innerXML struct {
	Inner string `xml:",innerxml"`
}

func (r *tokenRSTR) AppliesTo() string { return strings.TrimSpace(r.Address) }

// TokenValue returns the issued credential: the plain binary token when
// present, otherwise the encrypted blob verbatim.
func (r *tokenRSTR) TokenValue() string {
	if v := strings.TrimSpace(r.BinaryToken); v != "" {
		return v
	}
	return strings.TrimSpace(r.EncryptedData.Inner)
}

func (r *tokenRSTR) BinarySecret() string { return strings.TrimSpace(r.ProofSecret) }

type federationResponse struct {
	XMLName   xml.Name   `xml:"Envelope"`
	Fault     *soapFault `xml:"Body>Fault"`
	Assertion innerXML   `xml:"Body>RequestSecurityTokenResponse>RequestedSecurityToken"`
}

type soapFault struct {
	Reason string   `xml:"Reason>Text"`
	Value  string   `xml:"Code>Value"`
	Detail innerXML `xml:"Detail"`
}

func (f *soapFault) Text() string {
	if r := strings.TrimSpace(f.Reason); r != "" {
		return r
	}
	return strings.TrimSpace(f.Value)
}

// RedirectURL extracts the federated realm's token service address from the
// fault detail, if the fault is a federation redirect.
func (f *soapFault) RedirectURL() string {
	const openTag, closeTag = "<psf:redirectUrl>", "</psf:redirectUrl>"
	detail := f.Detail.Inner
	i := strings.Index(detail, openTag)
	if i < 0 {
		return ""
	}
	rest := detail[i+len(openTag):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:j])
}
