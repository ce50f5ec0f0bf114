package ns

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
)

// adlBatchLimit caps the serialized size of one ADL payload.
const adlBatchLimit = 7500

// membership list XML as carried in ADL/RML payloads.
type mlMember struct {
	XMLName xml.Name `xml:"c"`
	Name    string   `xml:"n,attr"`
	Lists   int      `xml:"l,attr"`
	Type    int      `xml:"t,attr"`
}

type mlDomain struct {
	XMLName xml.Name   `xml:"d"`
	Name    string     `xml:"n,attr"`
	Members []mlMember `xml:"c"`
}

type mlPayload struct {
	XMLName xml.Name   `xml:"ml"`
	Initial string     `xml:"l,attr,omitempty"`
	Domains []mlDomain `xml:"d"`
}

func splitAccount(account string) (user, domain string, ok bool) {
	i := strings.LastIndexByte(account, '@')
	if i <= 0 || i == len(account)-1 {
		return "", "", false
	}
	return account[:i], account[i+1:], true
}

// sendInitialADL pushes the known contact list to the server after sign-in,
// split into batches under the payload size cap. With no known contacts a
// single empty initial payload is still required.
func (c *Client) sendInitialADL() {
	type entry struct {
		user, domain string
		lists, ctype int
	}
	var entries []entry
	for _, ct := range c.cfg.Contacts.Snapshot() {
		lists := int(ct.Lists() & (contact.ListForward | contact.ListAllowed | contact.ListBlocked))
		if lists == 0 {
			continue
		}
		user, domain, ok := splitAccount(ct.Account())
		if !ok {
			continue
		}
		entries = append(entries, entry{user: user, domain: domain, lists: lists, ctype: int(ct.Type())})
	}

	if len(entries) == 0 {
		c.send(msnp.NewPayloadCommand("ADL", []byte(`<ml l="1"></ml>`), c.nextTrID()))
		return
	}

	byDomain := make(map[string][]mlMember)
	var domainOrder []string
	for _, e := range entries {
		if _, ok := byDomain[e.domain]; !ok {
			domainOrder = append(domainOrder, e.domain)
		}
		byDomain[e.domain] = append(byDomain[e.domain], mlMember{Name: e.user, Lists: e.lists, Type: e.ctype})
	}

	flush := func(domains []mlDomain) {
		if len(domains) == 0 {
			return
		}
		payload, err := xml.Marshal(mlPayload{Initial: "1", Domains: domains})
		if err != nil {
			c.logger.Error("marshal ADL payload", zap.Error(err))
			return
		}
		c.send(msnp.NewPayloadCommand("ADL", payload, c.nextTrID()))
	}

	var batch []mlDomain
	size := 0
	for _, domain := range domainOrder {
		members := byDomain[domain]
		for _, m := range members {
			// Rough per-member cost; exact size is checked by re-marshal on flush.
			cost := len(m.Name) + len(domain) + 32
			if size+cost > adlBatchLimit && len(batch) > 0 {
				flush(batch)
				batch, size = nil, 0
			}
			if len(batch) == 0 || batch[len(batch)-1].Name != domain {
				batch = append(batch, mlDomain{Name: domain})
				size += len(domain) + 16
			}
			last := &batch[len(batch)-1]
			last.Members = append(last.Members, m)
			size += cost
		}
	}
	flush(batch)
}

// AddContactToList asks the server to put a contact on a list and applies
// the change locally.
func (c *Client) AddContactToList(ct *contact.Contact, list contact.ListFlag) error {
	if err := c.sendListChange("ADL", ct, list); err != nil {
		return err
	}
	ct.AddToList(list)
	return nil
}

// RemoveContactFromList asks the server to drop a contact from a list and
// applies the change locally.
func (c *Client) RemoveContactFromList(ct *contact.Contact, list contact.ListFlag) error {
	if err := c.sendListChange("RML", ct, list); err != nil {
		return err
	}
	ct.RemoveFromList(list)
	return nil
}

func (c *Client) sendListChange(verb string, ct *contact.Contact, list contact.ListFlag) error {
	if !c.SignedIn() {
		return fmt.Errorf("%s: not signed in", verb)
	}
	user, domain, ok := splitAccount(ct.Account())
	if !ok {
		return fmt.Errorf("%s: malformed account %q", verb, ct.Account())
	}
	payload, err := xml.Marshal(mlPayload{Domains: []mlDomain{{
		Name:    domain,
		Members: []mlMember{{Name: user, Lists: int(list), Type: int(ct.Type())}},
	}}})
	if err != nil {
		return fmt.Errorf("%s payload: %w", verb, err)
	}
	c.send(msnp.NewPayloadCommand(verb, payload, c.nextTrID()))
	return nil
}

// handleADL processes a server list push (reverse/pending additions) or the
// OK acknowledgement of one of ours.
func (c *Client) handleADL(cmd *msnp.Command) {
	if cmd.Arg(1) == "OK" {
		return
	}
	c.applyListPayload(cmd.Payload, true)
}

// handleRML processes a server-side list removal push.
func (c *Client) handleRML(cmd *msnp.Command) {
	if cmd.Arg(1) == "OK" {
		return
	}
	c.applyListPayload(cmd.Payload, false)
}

func (c *Client) applyListPayload(payload []byte, add bool) {
	var ml mlPayload
	if err := xml.Unmarshal(payload, &ml); err != nil {
		c.logger.Warn("malformed list payload", zap.Error(err))
		return
	}
	for _, d := range ml.Domains {
		for _, m := range d.Members {
			account := m.Name + "@" + d.Name
			ct := c.cfg.Contacts.Resolve(contact.ClientType(m.Type), account, contact.DefaultAddressBookID)
			for _, flag := range []contact.ListFlag{contact.ListForward, contact.ListAllowed, contact.ListBlocked, contact.ListReverse, contact.ListPending} {
				if contact.ListFlag(m.Lists)&flag == 0 {
					continue
				}
				if add {
					ct.AddToList(flag)
				} else {
					ct.RemoveFromList(flag)
				}
			}
		}
	}
}

// handleFQY resolves a federated network query: the payload names accounts
// with their confirmed network type.
func (c *Client) handleFQY(cmd *msnp.Command) {
	var ml mlPayload
	if err := xml.Unmarshal(cmd.Payload, &ml); err != nil {
		return
	}
	for _, d := range ml.Domains {
		for _, m := range d.Members {
			c.cfg.Contacts.Resolve(contact.ClientType(m.Type), m.Name+"@"+d.Name, contact.DefaultAddressBookID)
		}
	}
}

// gcfPolicy is the censor configuration carried in GCF payloads.
type gcfPolicy struct {
	XMLName xml.Name `xml:"Policies"`
	Texts   []struct {
		Value string `xml:"value,attr"`
	} `xml:"Policy>config>msgr_config>imtext"`
}

// handleGCF stores the server's censor word list.
func (c *Client) handleGCF(cmd *msnp.Command) {
	var policy gcfPolicy
	if err := xml.Unmarshal(cmd.Payload, &policy); err != nil {
		c.logger.Debug("unparsed GCF payload", zap.Error(err))
		return
	}
	words := make([]string, 0, len(policy.Texts))
	for _, t := range policy.Texts {
		if decoded, err := url.QueryUnescape(t.Value); err == nil {
			words = append(words, decoded)
		}
	}
	c.mu.Lock()
	c.censorWords = words
	c.mu.Unlock()
}

// PrivacyMode is the BLP default-list setting.
type PrivacyMode string

const (
	// PrivacyAllowAll lets unknown contacts message the owner.
	PrivacyAllowAll PrivacyMode = "AL"
	// PrivacyBlockAll blocks contacts not on the allowed list.
	PrivacyBlockAll PrivacyMode = "BL"
)

// SetPrivacyMode broadcasts the BLP privacy setting.
func (c *Client) SetPrivacyMode(mode PrivacyMode) error {
	if !c.SignedIn() {
		return fmt.Errorf("BLP: not signed in")
	}
	c.send(msnp.NewCommand("BLP", c.nextTrID(), string(mode)))
	return nil
}

func (c *Client) handleBLP(cmd *msnp.Command) {
	c.logger.Debug("privacy mode confirmed", zap.String("mode", cmd.Arg(1)))
}

// SetOwnerDisplayName updates the owner's friendly name via PRP MFN.
func (c *Client) SetOwnerDisplayName(name string) error {
	if !c.SignedIn() {
		return fmt.Errorf("PRP: not signed in")
	}
	c.send(msnp.NewCommand("PRP", c.nextTrID(), "MFN", url.QueryEscape(name)))
	return nil
}

// handlePRP applies an owner property change: PRP [trid] MFN <name>.
func (c *Client) handlePRP(cmd *msnp.Command) {
	args := cmd.Args
	if len(args) > 0 {
		if _, err := strconv.Atoi(args[0]); err == nil {
			args = args[1:]
		}
	}
	if len(args) < 2 || args[0] != "MFN" {
		return
	}
	if owner := c.Owner(); owner != nil {
		if name, err := url.QueryUnescape(args[1]); err == nil {
			owner.SetDisplayName(name)
		}
	}
}
