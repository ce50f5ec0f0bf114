package switchboard

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/escargot-im/msn/internal/bus"
	"github.com/escargot-im/msn/internal/contact"
	"github.com/escargot-im/msn/internal/msnp"
)

// maxChunkBytes is the largest MSG body sent in a single frame; longer text
// is split into a chunked message.
const maxChunkBytes = 1400

// winkPayloadSize is the datacast body size that identifies a wink.
const winkPayloadSize = 1325

// Content types routed on inbound MSG.
const (
	contentTyping       = "text/x-msmsgscontrol"
	contentEmoticon     = "text/x-mms-emoticon"
	contentAnimEmoticon = "text/x-mms-animemoticon"
	contentDatacast     = "text/x-msnmsgr-datacast"
	contentKeepalive    = "text/x-keepalive"
	contentText         = "text/plain"
)

// TextMessageEvent is an inbound plain text message.
type TextMessageEvent struct {
	Session *Session
	From    *contact.Contact
	Body    string
}

// TypingEvent is an inbound typing-control notification.
type TypingEvent struct {
	Session *Session
	From    *contact.Contact
}

// NudgeEvent is an inbound datacast nudge.
type NudgeEvent struct {
	Session *Session
	From    *contact.Contact
}

// WinkEvent is an inbound datacast wink.
type WinkEvent struct {
	Session *Session
	From    *contact.Contact
}

// EmoticonEvent is an inbound emoticon definition (not the image itself).
type EmoticonEvent struct {
	Session  *Session
	From     *contact.Contact
	Shortcut string
	Context  string
	Animated bool
}

// chunkBuffer reassembles one multi-chunk message.
type chunkBuffer struct {
	headers *msnp.Headers
	total   int
	parts   [][]byte
}

// handleMSG parses the MIME-style payload of an inbound MSG and routes the
// (possibly reassembled) logical message by content type.
func (s *Session) handleMSG(cmd *msnp.Command) {
	from := strings.ToLower(cmd.Arg(0))
	headers, body, err := msnp.ParsePayload(cmd.Payload)
	if err != nil {
		s.logger.Warn("malformed MSG payload", zap.String("from", from), zap.Error(err))
		return
	}

	if merged, done := s.reassemble(headers, body); done {
		headers, body = merged.headers, joinParts(merged.parts)
	} else if merged != nil {
		// Fragment buffered, message not complete yet.
		return
	}

	s.routeMessage(from, headers, body)
}

// reassemble tracks chunked messages. Returns (nil, false) for unchunked
// messages, (buffer, false) while fragments are still outstanding, and
// (buffer, true) when the final fragment arrived.
func (s *Session) reassemble(headers *msnp.Headers, body []byte) (*chunkBuffer, bool) {
	id := headers.Get("Message-ID")
	if id == "" {
		return nil, false
	}

	if headers.Has("Chunks") {
		total, err := strconv.Atoi(headers.Get("Chunks"))
		if err != nil || total < 2 {
			return nil, false
		}
		buf := &chunkBuffer{headers: headers, total: total, parts: make([][]byte, total)}
		buf.parts[0] = body
		s.mu.Lock()
		s.chunks[id] = buf
		s.mu.Unlock()
		return buf, false
	}

	if headers.Has("Chunk") {
		idx, err := strconv.Atoi(headers.Get("Chunk"))
		if err != nil || idx < 1 {
			return nil, false
		}
		s.mu.Lock()
		buf, ok := s.chunks[id]
		if !ok || idx >= buf.total {
			s.mu.Unlock()
			return nil, false
		}
		buf.parts[idx] = body
		complete := idx+1 == buf.total
		if complete {
			delete(s.chunks, id)
		}
		s.mu.Unlock()
		if complete {
			return buf, true
		}
		return buf, false
	}

	return nil, false
}

func joinParts(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (s *Session) routeMessage(from string, headers *msnp.Headers, body []byte) {
	c := s.cfg.Contacts.Resolve(contact.ClientTypePassportMember, from, contact.DefaultAddressBookID)

	contentType := headers.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	switch contentType {
	case contentTyping:
		s.cfg.Bus.PublishKind(bus.KindSBTyping, &TypingEvent{Session: s, From: c})
	case contentEmoticon, contentAnimEmoticon:
		s.handleEmoticonDefinition(c, body, contentType == contentAnimEmoticon)
	case contentDatacast:
		s.handleDatacast(c, body)
	case contentKeepalive:
		// Out-of-protocol liveness probe; nothing to deliver.
	default:
		s.cfg.Bus.PublishKind(bus.KindSBMessage, &TextMessageEvent{Session: s, From: c, Body: string(body)})
	}
}

// handleEmoticonDefinition parses the tab-separated shortcut/object pairs of
// an emoticon definition body and records each on the sending contact.
func (s *Session) handleEmoticonDefinition(c *contact.Contact, body []byte, animated bool) {
	fields := strings.Split(string(body), "\t")
	for i := 0; i+1 < len(fields); i += 2 {
		shortcut := fields[i]
		context := fields[i+1]
		if shortcut == "" || context == "" {
			continue
		}
		c.SetEmoticon(shortcut, context)
		s.cfg.Bus.PublishKind(bus.KindSBEmoticon, &EmoticonEvent{
			Session:  s,
			From:     c,
			Shortcut: shortcut,
			Context:  context,
			Animated: animated,
		})
	}
}

func (s *Session) handleDatacast(c *contact.Contact, body []byte) {
	headers, _, err := msnp.ParsePayload(body)
	if err != nil {
		return
	}
	switch headers.Get("ID") {
	case "1":
		s.cfg.Bus.PublishKind(bus.KindSBNudge, &NudgeEvent{Session: s, From: c})
	case "2":
		if len(body) == winkPayloadSize {
			s.cfg.Bus.PublishKind(bus.KindSBWink, &WinkEvent{Session: s, From: c})
		}
	}
}

// SendText sends a plain text message. Bodies over the chunk limit are sent
// as a chunked message under a fresh GUID; continuation chunks request no
// delivery acknowledgement.
func (s *Session) SendText(text string) error {
	body := []byte(text)
	if len(body) <= maxChunkBytes {
		headers := textHeaders()
		return s.sendMSG("N", headers, body)
	}

	chunks := splitChunks(body, maxChunkBytes)
	id := "{" + uuid.NewString() + "}"

	first := textHeaders()
	first.Set("Message-ID", id)
	first.Set("Chunks", strconv.Itoa(len(chunks)))
	if err := s.sendMSG("N", first, chunks[0]); err != nil {
		return err
	}
	for i := 1; i < len(chunks); i++ {
		cont := msnp.NewHeaders()
		cont.Set("Message-ID", id)
		cont.Set("Chunk", strconv.Itoa(i))
		if err := s.sendMSG("N", cont, chunks[i]); err != nil {
			return err
		}
	}
	return nil
}

func textHeaders() *msnp.Headers {
	h := msnp.NewHeaders()
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "text/plain; charset=UTF-8")
	h.Set("X-MMS-IM-Format", "FN=Segoe%20UI; EF=; CO=0; CS=1; PF=0")
	return h
}

func splitChunks(body []byte, size int) [][]byte {
	var out [][]byte
	for len(body) > size {
		out = append(out, body[:size])
		body = body[size:]
	}
	return append(out, body)
}

// SendTyping sends a typing-control notification.
func (s *Session) SendTyping() error {
	h := msnp.NewHeaders()
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", contentTyping)
	h.Set("TypingUser", s.cfg.OwnerAccount)
	return s.sendMSG("U", h, []byte("\r\n"))
}

// SendNudge sends a datacast nudge.
func (s *Session) SendNudge() error {
	h := msnp.NewHeaders()
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", contentDatacast)
	return s.sendMSG("N", h, []byte("ID: 1\r\n"))
}

// SendEmoticonDefinition advertises a custom emoticon to the session.
func (s *Session) SendEmoticonDefinition(shortcut, context string, animated bool) error {
	h := msnp.NewHeaders()
	h.Set("MIME-Version", "1.0")
	if animated {
		h.Set("Content-Type", contentAnimEmoticon)
	} else {
		h.Set("Content-Type", contentEmoticon)
	}
	return s.sendMSG("N", h, []byte(shortcut+"\t"+context+"\t"))
}

func (s *Session) sendMSG(ack string, headers *msnp.Headers, body []byte) error {
	payload := headers.Bytes(body)
	return s.cfg.Conn.Send(msnp.NewPayloadCommand("MSG", payload, s.nextTrID(), ack))
}

// StartKeepalive schedules a periodic out-of-protocol keepalive message for
// as long as the session stays in its established-and-not-ended window.
func (s *Session) StartKeepalive(interval time.Duration) {
	s.mu.Lock()
	if s.keepaliveStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.keepaliveStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !s.Established() {
					continue
				}
				h := msnp.NewHeaders()
				h.Set("MIME-Version", "1.0")
				h.Set("Content-Type", contentKeepalive)
				if err := s.sendMSG("U", h, []byte("\r\n")); err != nil {
					s.logger.Debug("keepalive send failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopKeepalive cancels the keepalive schedule.
func (s *Session) StopKeepalive() {
	s.mu.Lock()
	stop := s.keepaliveStop
	s.keepaliveStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
