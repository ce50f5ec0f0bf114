package ns

import (
	"encoding/xml"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
)

// ubxData is the presence extension document carried in UBX payloads.
type ubxData struct {
	XMLName      xml.Name `xml:"Data"`
	PSM          string   `xml:"PSM"`
	CurrentMedia string   `xml:"CurrentMedia"`
	Endpoints    []struct {
		ID           string `xml:"id,attr"`
		Capabilities string `xml:"Capabilities"`
	} `xml:"EndpointData"`
	PrivateEndpoints []struct {
		ID     string `xml:"id,attr"`
		EpName string `xml:"EpName"`
		Idle   bool   `xml:"Idle"`
	} `xml:"PrivateEndpointData"`
}

// handleUBX applies a contact's extension data: personal message and the
// set of signed-in places. An empty payload clears the personal message.
func (c *Client) handleUBX(cmd *msnp.Command) {
	addr := contact.ParseWireAddress(cmd.Arg(0))
	target := c.resolvePresenceTarget(addr)

	if len(cmd.Payload) == 0 {
		target.SetPersonalMessage("")
		return
	}

	var data ubxData
	if err := xml.Unmarshal(cmd.Payload, &data); err != nil {
		c.logger.Debug("malformed UBX payload", zap.String("account", addr.Account), zap.Error(err))
		return
	}

	target.SetPersonalMessage(data.PSM)
	for _, ep := range data.Endpoints {
		target.SetEndpoint(&contact.EndPointData{ID: strings.ToLower(ep.ID), Capabilities: ep.Capabilities})
	}
	for _, ep := range data.PrivateEndpoints {
		if existing, ok := target.Endpoint(strings.ToLower(ep.ID)); ok {
			existing.Name = ep.EpName
			existing.Idle = ep.Idle
		} else {
			target.SetEndpoint(&contact.EndPointData{ID: strings.ToLower(ep.ID), Name: ep.EpName, Idle: ep.Idle})
		}
	}
}

// NotificationEvent is a typed UBN notification from the server or a peer
// endpoint.
type NotificationEvent struct {
	From    string
	Type    string
	Payload []byte
}

// handleUBN surfaces typed peer/endpoint notifications. Type 4 and 8 carry
// conversation bookkeeping for other endpoints of this account (MPOP).
func (c *Client) handleUBN(cmd *msnp.Command) {
	evt := &NotificationEvent{From: cmd.Arg(0), Type: cmd.Arg(1), Payload: cmd.Payload}
	c.logger.Debug("peer notification", zap.String("from", evt.From), zap.String("type", evt.Type))
	c.cfg.Bus.PublishKind(bus.KindServerNotice, evt)
}

func (c *Client) handleUUN(cmd *msnp.Command) {
	// Acknowledgement of one of our UUN sends.
}

// SignOutOtherPlaces asks every other endpoint of this account to sign out.
func (c *Client) SignOutOtherPlaces() error {
	if !c.SignedIn() {
		return fmt.Errorf("UUN: not signed in")
	}
	c.send(msnp.NewPayloadCommand("UUN", []byte("goawyplzthx"), c.nextTrID(), c.cfg.Credentials.Account, "8"))
	return nil
}

// CrossNetMessageEvent is a message relayed through the notification server
// from a bridged network rather than a switchboard.
type CrossNetMessageEvent struct {
	From        *contact.Contact
	ContentType string
	Body        []byte
}

// handleUBM delivers a cross-network message: UBM <account> <networkid> <type> <len>.
func (c *Client) handleUBM(cmd *msnp.Command) {
	account := strings.ToLower(cmd.Arg(0))
	networkType := contact.ClientTypePassportMember
	if t, ok := parseClientType(cmd.Arg(1)); ok {
		networkType = t
	}
	from := c.cfg.Contacts.Resolve(networkType, account, contact.DefaultAddressBookID)
	c.deliverCrossNet(from, cmd.Payload)
}

// handleSDG delivers a circle/group relayed message; sender and content are
// carried in the payload's routing headers.
func (c *Client) handleSDG(cmd *msnp.Command) {
	headers, body, err := msnp.ParsePayload(cmd.Payload)
	if err != nil {
		c.logger.Debug("malformed SDG payload", zap.Error(err))
		return
	}
	fromField := headers.Get("From")
	addr := contact.ParseWireAddress(strings.Trim(fromField, "<>"))
	if addr.Account == "" {
		return
	}
	from := c.cfg.Contacts.Resolve(addr.Type, addr.Account, contact.DefaultAddressBookID)
	c.deliverCrossNet(from, body)
}

func (c *Client) deliverCrossNet(from *contact.Contact, payload []byte) {
	headers, body, err := msnp.ParsePayload(payload)
	if err != nil {
		return
	}
	contentType := headers.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	c.cfg.Bus.PublishKind(bus.KindCrossNetMessage, &CrossNetMessageEvent{
		From:        from,
		ContentType: contentType,
		Body:        body,
	})
}

// SendCrossNetText relays a text message to a bridged-network contact
// through the notification server.
func (c *Client) SendCrossNetText(to *contact.Contact, text string) error {
	if !c.SignedIn() {
		return fmt.Errorf("UUM: not signed in")
	}
	h := msnp.NewHeaders()
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "text/plain; charset=UTF-8")
	payload := h.Bytes([]byte(text))
	c.send(msnp.NewPayloadCommand("UUM", payload, c.nextTrID(), to.Account(), fmt.Sprint(int(to.Type())), "1"))
	return nil
}

// handleNFY carries circle presence documents; only logged for now, circle
// rosters resolve through presence with a ;via= route.
func (c *Client) handleNFY(cmd *msnp.Command) {
	c.logger.Debug("circle notify", zap.String("op", cmd.Arg(0)))
}

// handleNOT surfaces a server notification document.
func (c *Client) handleNOT(cmd *msnp.Command) {
	c.cfg.Bus.PublishKind(bus.KindServerNotice, string(cmd.Payload))
}

// handleServerMSG routes notification-channel MSGs: the initial profile and
// offline-message (OIM) notifications from the Hotmail system sender.
func (c *Client) handleServerMSG(cmd *msnp.Command) {
	headers, _, err := msnp.ParsePayload(cmd.Payload)
	if err != nil {
		return
	}
	contentType := headers.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	switch contentType {
	case "text/x-msmsgsprofile":
		c.logger.Debug("profile message received")
	case "text/x-msmsgsinitialmdatanotification", "text/x-msmsgsoimnotification":
		c.cfg.Bus.PublishKind(bus.KindOIMReceived, headers.Get("Mail-Data"))
	}
}

func parseClientType(s string) (contact.ClientType, bool) {
	switch s {
	case "1":
		return contact.ClientTypePassportMember, true
	case "2":
		return contact.ClientTypeLCS, true
	case "4":
		return contact.ClientTypePhoneMember, true
	case "32":
		return contact.ClientTypeEmailMember, true
	}
	return contact.ClientTypeNone, false
}
