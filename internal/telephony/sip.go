package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPConfig configures the sipgo-backed stack.
type SIPConfig struct {
	ListenHost string
	ListenPort int
	Transport  string

	// ExternalHost is advertised in Contact headers; defaults to ListenHost.
	ExternalHost string
	UserAgent    string

	// TrunkHost completes bare numbers into sip:<number>@<TrunkHost> for outbound calls.
	TrunkHost string

	// RingTimeout bounds how long a leg may ring before it is given up as no_answer.
	RingTimeout time.Duration
}

func (c SIPConfig) withDefaults() SIPConfig {
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.ListenPort <= 0 {
		c.ListenPort = 5060
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.ExternalHost == "" {
		c.ExternalHost = c.ListenHost
	}
	if c.UserAgent == "" {
		c.UserAgent = "voice-gateway"
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 60 * time.Second
	}
	return c
}

// SIPStack adapts sipgo to the Stack and EventSink contracts.
//
// It only translates SIP messages into transport events and Stack commands into SIP
// messages; every decision about Calls is made by the EventSink.
type SIPStack struct {
	cfg     SIPConfig
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	contact sip.ContactHeader
	log     *slog.Logger

	sink EventSink

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inbound  map[string]*inboundLeg
	outbound map[string]*outboundLeg
}

type inboundLeg struct {
	req       *sip.Request
	tx        sip.ServerTransaction
	ok        *sip.Response
	final     chan struct{}
	finalized bool
	acked     bool
}

type outboundLeg struct {
	req    *sip.Request
	tx     sip.ClientTransaction
	ok     *sip.Response
	cancel context.CancelFunc
	local  bool
}

func NewSIPStack(cfg SIPConfig, log *slog.Logger) (*SIPStack, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.ExternalHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(log))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(log))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SIPStack{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		contact: sip.ContactHeader{
			Address: sip.Uri{User: cfg.UserAgent, Host: cfg.ExternalHost, Port: cfg.ListenPort},
		},
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(map[string]*inboundLeg),
		outbound: make(map[string]*outboundLeg),
	}

	srv.OnInvite(s.onInvite)
	srv.OnAck(s.onAck)
	srv.OnBye(s.onBye)
	srv.OnCancel(s.onCancel)
	srv.OnOptions(s.onOptions)
	return s, nil
}

// Bind sets the receiver of transport events. It must be called before Serve.
func (s *SIPStack) Bind(sink EventSink) {
	s.sink = sink
}

// Serve listens until ctx is cancelled.
func (s *SIPStack) Serve(ctx context.Context) error {
	if s.sink == nil {
		return errors.New("sip: event sink not bound")
	}
	addr := net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(s.cfg.ListenPort))
	s.log.Info("sip listener starting", "transport", s.cfg.Transport, "addr", addr)
	if err := s.srv.ListenAndServe(ctx, s.cfg.Transport, addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listener: %w", err)
	}
	return nil
}

// Close stops outstanding legs and releases the SIP stack.
func (s *SIPStack) Close() {
	s.cancel()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.log.Info("sip stack stopped")
}

func (s *SIPStack) Accept(ctx context.Context, handle string) error {
	s.mu.Lock()
	l, ok := s.inbound[handle]
	if !ok || l.finalized {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransportHandle, handle)
	}
	res := sip.NewResponseFromRequest(l.req, 200, "OK", nil)
	contact := s.contact
	res.AppendHeader(&contact)
	l.ok = res
	l.finalized = true
	close(l.final)
	s.mu.Unlock()

	return l.tx.Respond(res)
}

func (s *SIPStack) Reject(ctx context.Context, handle string, code int) error {
	s.mu.Lock()
	l, ok := s.inbound[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransportHandle, handle)
	}
	if !s.finalizeInbound(handle, l, code, reasonFor(code)) {
		return fmt.Errorf("sip: %s already answered", handle)
	}
	return nil
}

func (s *SIPStack) Bye(ctx context.Context, handle string) error {
	s.mu.Lock()
	in, isIn := s.inbound[handle]
	out, isOut := s.outbound[handle]
	s.mu.Unlock()

	switch {
	case isIn:
		if s.finalizeInbound(handle, in, 480, "Temporarily Unavailable") {
			return nil
		}
		s.dropInbound(handle)
		return s.send(ctx, byeForInbound(in))
	case isOut:
		s.mu.Lock()
		out.local = true
		answered := out.ok != nil
		delete(s.outbound, handle)
		s.mu.Unlock()

		out.cancel()
		if !answered {
			return s.send(ctx, cancelFor(out.req))
		}
		return s.send(ctx, byeForOutbound(out))
	}
	return nil
}

func (s *SIPStack) Invite(ctx context.Context, target string) (string, error) {
	uri := target
	if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		if s.cfg.TrunkHost == "" {
			return "", errors.New("sip: trunk host not configured")
		}
		uri = fmt.Sprintf("sip:%s@%s", target, s.cfg.TrunkHost)
	}

	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		return "", fmt.Errorf("parsing target uri %q: %w", uri, err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	contact := s.contact
	req.AppendHeader(&contact)

	// The transaction outlives the caller's request context.
	tx, err := s.client.TransactionRequest(s.ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return "", fmt.Errorf("sending invite to %s: %w", uri, err)
	}
	cid := req.CallID()
	if cid == nil {
		tx.Terminate()
		return "", errors.New("sip: invite without call-id")
	}
	handle := cid.Value()

	legCtx, cancel := context.WithTimeout(s.ctx, s.cfg.RingTimeout)
	l := &outboundLeg{req: req, tx: tx, cancel: cancel}
	s.mu.Lock()
	s.outbound[handle] = l
	s.mu.Unlock()

	go s.watchOutbound(legCtx, handle, l)
	return handle, nil
}

func (s *SIPStack) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	handle := callIDOf(req)
	log := s.log.With("handle", handle)

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		log.Error("failed to send 100 trying", "err", err)
		return
	}

	l := &inboundLeg{req: req, tx: tx, final: make(chan struct{})}
	s.mu.Lock()
	if _, dup := s.inbound[handle]; dup {
		s.mu.Unlock()
		log.Debug("invite retransmission ignored")
		return
	}
	s.inbound[handle] = l
	s.mu.Unlock()

	from, to := "", ""
	if h := req.From(); h != nil {
		from = h.Address.User
	}
	if h := req.To(); h != nil {
		to = h.Address.User
	}

	if _, err := s.sink.HandleInvite(s.ctx, handle, from, to); err != nil {
		code, reason := 500, "Server Internal Error"
		if errors.Is(err, ErrAdmissionRejected) {
			code, reason = 486, "Busy Here"
		}
		log.Warn("invite refused", "code", code, "err", err)
		s.finalizeInbound(handle, l, code, reason)
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil)); err != nil {
		log.Warn("failed to send 180 ringing", "err", err)
	}
	s.deliver(handle, StateRinging)

	timer := time.NewTimer(s.cfg.RingTimeout)
	defer timer.Stop()

	select {
	case <-l.final:
	case <-tx.Done():
		if s.abandonInbound(handle, l) {
			s.deliver(handle, StateNoAnswer)
		}
	case <-timer.C:
		if s.finalizeInbound(handle, l, 480, "Temporarily Unavailable") {
			s.deliver(handle, StateNoAnswer)
		}
	case <-s.ctx.Done():
		s.finalizeInbound(handle, l, 503, "Service Unavailable")
	}
}

func (s *SIPStack) onAck(req *sip.Request, tx sip.ServerTransaction) {
	handle := callIDOf(req)

	s.mu.Lock()
	l, ok := s.inbound[handle]
	first := ok && l.ok != nil && !l.acked
	if first {
		l.acked = true
	}
	s.mu.Unlock()

	if first {
		s.deliver(handle, StateEstablished)
	}
}

func (s *SIPStack) onBye(req *sip.Request, tx sip.ServerTransaction) {
	handle := callIDOf(req)

	s.mu.Lock()
	_, isIn := s.inbound[handle]
	out, isOut := s.outbound[handle]
	delete(s.inbound, handle)
	delete(s.outbound, handle)
	s.mu.Unlock()

	if !isIn && !isOut {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	if isOut {
		out.local = true
		out.cancel()
	}
	s.deliver(handle, StateTerminated)
}

func (s *SIPStack) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	handle := callIDOf(req)
	s.respond(req, tx, 200, "OK")

	s.mu.Lock()
	l, ok := s.inbound[handle]
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.finalizeInbound(handle, l, 487, "Request Terminated") {
		s.deliver(handle, StateNoAnswer)
	}
}

func (s *SIPStack) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.log.Debug("failed to answer options", "err", err)
	}
}

// watchOutbound follows an outbound INVITE until it is answered or fails.
func (s *SIPStack) watchOutbound(ctx context.Context, handle string, l *outboundLeg) {
	defer l.cancel()
	log := s.log.With("handle", handle)

	for {
		select {
		case <-ctx.Done():
			if s.isLocal(l) {
				return
			}
			s.mu.Lock()
			delete(s.outbound, handle)
			s.mu.Unlock()
			l.tx.Terminate()
			if err := s.send(s.ctx, cancelFor(l.req)); err != nil {
				log.Debug("cancel after ring timeout failed", "err", err)
			}
			s.deliver(handle, StateNoAnswer)
			return

		case <-l.tx.Done():
			if s.isLocal(l) {
				return
			}
			s.mu.Lock()
			delete(s.outbound, handle)
			s.mu.Unlock()
			log.Warn("invite transaction ended without final response", "err", l.tx.Err())
			s.deliver(handle, StateFailed)
			return

		case res, ok := <-l.tx.Responses():
			if !ok {
				continue
			}
			code := int(res.StatusCode)
			switch {
			case code == 180 || code == 183:
				s.deliver(handle, StateRinging)
			case code < 200:
			case code < 300:
				s.mu.Lock()
				l.ok = res
				s.mu.Unlock()
				if err := s.client.WriteRequest(ackFor2xx(l.req, res)); err != nil {
					log.Error("failed to send ack", "err", err)
				}
				s.deliver(handle, StateEstablished)
				return
			default:
				s.mu.Lock()
				delete(s.outbound, handle)
				s.mu.Unlock()
				s.deliver(handle, stateForFinal(code))
				return
			}
		}
	}
}

// finalizeInbound sends a final non-2xx response and drops the leg.
// It reports false when the leg already received a final response.
func (s *SIPStack) finalizeInbound(handle string, l *inboundLeg, code int, reason string) bool {
	s.mu.Lock()
	if l.finalized {
		s.mu.Unlock()
		return false
	}
	l.finalized = true
	close(l.final)
	delete(s.inbound, handle)
	s.mu.Unlock()

	s.respond(l.req, l.tx, code, reason)
	return true
}

// abandonInbound drops a leg whose transaction ended before any final response was sent.
func (s *SIPStack) abandonInbound(handle string, l *inboundLeg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.finalized {
		return false
	}
	l.finalized = true
	close(l.final)
	delete(s.inbound, handle)
	return true
}

func (s *SIPStack) dropInbound(handle string) {
	s.mu.Lock()
	delete(s.inbound, handle)
	s.mu.Unlock()
}

func (s *SIPStack) isLocal(l *outboundLeg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.local
}

func (s *SIPStack) deliver(handle string, state TransportState) {
	err := s.sink.HandleStateChange(s.ctx, handle, state)
	switch {
	case err == nil:
	case IsDesync(err):
		s.log.Debug("transport event for unknown handle dropped", "handle", handle, "state", state, "err", err)
	default:
		s.log.Warn("transport event not applied", "handle", handle, "state", state, "err", err)
	}
}

func (s *SIPStack) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		s.log.Error("failed to send response", "code", code, "err", err)
	}
}

// send runs a non-INVITE client transaction and waits for its final response.
func (s *SIPStack) send(ctx context.Context, req *sip.Request) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tx.Done():
			return tx.Err()
		case res, ok := <-tx.Responses():
			if !ok {
				return nil
			}
			if res.StatusCode >= 200 {
				return nil
			}
		}
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func stateForFinal(code int) TransportState {
	switch code {
	case 486, 600:
		return StateBusy
	case 408, 480, 487:
		return StateNoAnswer
	}
	return StateFailed
}

func reasonFor(code int) string {
	switch code {
	case 486:
		return "Busy Here"
	case 480:
		return "Temporarily Unavailable"
	case 603:
		return "Decline"
	}
	return "Rejected"
}
