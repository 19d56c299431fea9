package telephony

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/emiago/sipgo/sip"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testInvite() *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "10.0.0.2", Port: 5060})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "gateway", Host: "10.0.0.1"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2"}})
	cid := sip.CallIDHeader("call-1")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5080}})
	return req
}

func testAnswer(req *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.9", Port: 5070}})
	return res
}

func TestAckFor2xx_TargetsRemoteContact(t *testing.T) {
	req := testInvite()
	ack := ackFor2xx(req, testAnswer(req))

	require.Equal(t, sip.ACK, ack.Method)
	require.Equal(t, "10.0.0.9", ack.Recipient.Host)
	require.Equal(t, 5070, ack.Recipient.Port)
	require.Equal(t, "call-1", ack.CallID().Value())
	require.Equal(t, uint32(7), ack.CSeq().SeqNo)
	require.Equal(t, sip.ACK, ack.CSeq().MethodName)
}

func TestByeForOutbound_IncrementsCSeq(t *testing.T) {
	req := testInvite()
	bye := byeForOutbound(&outboundLeg{req: req, ok: testAnswer(req)})

	require.Equal(t, sip.BYE, bye.Method)
	require.Equal(t, "10.0.0.9", bye.Recipient.Host)
	require.Equal(t, uint32(8), bye.CSeq().SeqNo)
	require.Equal(t, "gateway", bye.From().Address.User)
	require.Equal(t, "bob", bye.To().Address.User)
}

func TestByeForInbound_SwapsDialogSides(t *testing.T) {
	req := testInvite()
	bye := byeForInbound(&inboundLeg{req: req, ok: testAnswer(req)})

	require.Equal(t, "10.0.0.5", bye.Recipient.Host)
	require.Equal(t, "bob", bye.From().Address.User)
	require.Equal(t, "gateway", bye.To().Address.User)
	require.Equal(t, "call-1", bye.CallID().Value())
}

func TestCancelFor_MatchesInvite(t *testing.T) {
	req := testInvite()
	cancel := cancelFor(req)

	require.Equal(t, sip.CANCEL, cancel.Method)
	require.Equal(t, req.Recipient.Host, cancel.Recipient.Host)
	require.Equal(t, uint32(7), cancel.CSeq().SeqNo)
	require.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
}

func TestStateForFinal(t *testing.T) {
	cases := map[int]TransportState{
		486: StateBusy,
		600: StateBusy,
		408: StateNoAnswer,
		480: StateNoAnswer,
		487: StateNoAnswer,
		403: StateFailed,
		503: StateFailed,
	}
	for code, want := range cases {
		require.Equal(t, want, stateForFinal(code), "code %d", code)
	}
}

func TestTransportState_CallStatus(t *testing.T) {
	require.True(t, StateTerminated.terminal())
	require.False(t, StateRinging.terminal())
	require.Equal(t, "completed", string(StateTerminated.callStatus()))
	require.Equal(t, "no_answer", string(StateNoAnswer.callStatus()))
}

func TestSIPConfig_Defaults(t *testing.T) {
	cfg := SIPConfig{ListenHost: "127.0.0.1"}.withDefaults()
	require.Equal(t, 5060, cfg.ListenPort)
	require.Equal(t, "udp", cfg.Transport)
	require.Equal(t, "127.0.0.1", cfg.ExternalHost)
	require.Equal(t, 60*time.Second, cfg.RingTimeout)
}

func TestRedisAdmission(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	a := NewRedisAdmission(rdb, "", 1, time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("voice-gateway:calls:inbound:active"))
}
