package telephony

import "github.com/emiago/sipgo/sip"

// ackFor2xx builds the end-to-end ACK for a 2xx answer to our INVITE.
// It reuses the INVITE's CSeq number and targets the remote Contact when one was given.
func ackFor2xx(invite *sip.Request, ok *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	if c := ok.Contact(); c != nil {
		recipient = &c.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := ok.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetTransport(invite.Transport())
	return ack
}

// byeForOutbound tears down a dialog we initiated.
func byeForOutbound(l *outboundLeg) *sip.Request {
	recipient := l.req.Recipient.Clone()
	if l.ok != nil {
		if c := l.ok.Contact(); c != nil {
			recipient = c.Address.Clone()
		}
	}

	bye := sip.NewRequest(sip.BYE, *recipient)
	bye.SipVersion = l.req.SipVersion
	if h := l.req.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if l.ok != nil {
		if h := l.ok.To(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
		routes := l.ok.GetHeaders("Record-Route")
		for i := len(routes) - 1; i >= 0; i-- {
			if rr, ok := routes[i].(*sip.RecordRouteHeader); ok {
				bye.AppendHeader(&sip.RouteHeader{Address: *rr.Address.Clone()})
			}
		}
	}
	if h := l.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.req.CSeq(); h != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo + 1, MethodName: sip.BYE})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.SetTransport(l.req.Transport())
	return bye
}

// byeForInbound tears down a dialog the remote side initiated. Our From is the To
// we answered with (carrying our tag); the remote From becomes the To.
func byeForInbound(l *inboundLeg) *sip.Request {
	recipient := l.req.Recipient.Clone()
	if h := l.req.From(); h != nil {
		recipient = h.Address.Clone()
	}
	if c := l.req.Contact(); c != nil {
		recipient = c.Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, *recipient)
	bye.SipVersion = l.req.SipVersion
	if l.ok != nil {
		if to := l.ok.To(); to != nil {
			bye.AppendHeader(&sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
		}
	}
	if from := l.req.From(); from != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params})
	}
	if h := l.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.SetTransport(l.req.Transport())
	return bye
}

// cancelFor builds a CANCEL matching a pending INVITE transaction.
func cancelFor(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	cancel.SipVersion = invite.SipVersion
	if h := invite.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	cancel.SetTransport(invite.Transport())
	return cancel
}
