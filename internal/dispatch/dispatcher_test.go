package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/koabula/E-Chat/internal/dispatch"
	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/poller"
	"github.com/koabula/E-Chat/internal/protocol"
	"github.com/koabula/E-Chat/internal/store"
	"github.com/koabula/E-Chat/tests/testutil"
)

func TestSendMessagePersistsThenSends(t *testing.T) {
	st := testutil.NewTestStore(t)
	sender := testutil.NewFakeSender()
	d := dispatch.New(st, sender, "Me@Example.com", zap.NewNop())
	ctx := context.Background()

	msg, err := d.SendMessage(ctx, "Bob <Bob@Example.com>", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, msg.DeliveryState)
	assert.Equal(t, "bob@example.com", msg.Recipient)
	assert.Equal(t, "me@example.com", msg.Sender)

	got, err := st.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.DeliveryState)
	assert.Equal(t, model.DirectionOutbound, got.Direction)
	assert.True(t, got.Read)
	assert.Empty(t, got.ReplyTo, "first message of a conversation has no reply reference")

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.Version, sent[0].Header[protocol.HeaderVersion])
	assert.Equal(t, msg.ID, sent[0].Header[protocol.HeaderMessageID])
	assert.NotEmpty(t, sent[0].Raw)
}

func TestSendMessageReferencesLatestInThread(t *testing.T) {
	st := testutil.NewTestStore(t)
	sender := testutil.NewFakeSender()
	d := dispatch.New(st, sender, "me@example.com", zap.NewNop())
	ctx := context.Background()

	first, err := d.SendMessage(ctx, "bob@example.com", "one")
	require.NoError(t, err)

	second, err := d.SendMessage(ctx, "bob@example.com", "two")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ReplyTo)

	sent := sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, first.ID, sent[1].InReplyTo)
}

func TestSendMessageFailureLeavesFailedState(t *testing.T) {
	st := testutil.NewTestStore(t)
	sender := testutil.NewFakeSender()
	d := dispatch.New(st, sender, "me@example.com", zap.NewNop())
	ctx := context.Background()

	sender.FailNextSend(errors.New("smtp: connection refused"))

	msg, err := d.SendMessage(ctx, "bob@example.com", "doomed")
	require.Error(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, model.DeliveryFailed, msg.DeliveryState, "returned message reflects the reconciled state")

	// The message stays visible in the conversation as failed; it is
	// never silently re-sent.
	got, err := st.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, got.DeliveryState)
	assert.Empty(t, sender.Sent())
}

func TestRetryResendsFailedMessage(t *testing.T) {
	st := testutil.NewTestStore(t)
	sender := testutil.NewFakeSender()
	d := dispatch.New(st, sender, "me@example.com", zap.NewNop())
	ctx := context.Background()

	sender.FailNextSend(errors.New("smtp: timeout"))
	msg, err := d.SendMessage(ctx, "bob@example.com", "retry me")
	require.Error(t, err)

	require.NoError(t, d.Retry(ctx, msg.ID))

	got, err := st.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.DeliveryState)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ID, sent[0].Header[protocol.HeaderMessageID])
}

func TestRetryRejectsNonFailedAndInbound(t *testing.T) {
	st := testutil.NewTestStore(t)
	sender := testutil.NewFakeSender()
	d := dispatch.New(st, sender, "me@example.com", zap.NewNop())
	ctx := context.Background()

	msg, err := d.SendMessage(ctx, "bob@example.com", "fine")
	require.NoError(t, err)
	assert.Error(t, d.Retry(ctx, msg.ID), "a sent message cannot be retried")

	inbound := model.Message{
		ID:              protocol.NewMessageID(),
		ConversationKey: "bob@example.com",
		Direction:       model.DirectionInbound,
		Type:            model.TypeText,
		Sender:          "bob@example.com",
		Recipient:       "me@example.com",
		Body:            "from bob",
		SentAt:          time.Now(),
		ReceivedAt:      time.Now(),
		DeliveryState:   model.DeliveryFailed,
	}
	require.NoError(t, st.UpsertMessages(ctx, []model.Message{inbound}))
	assert.Error(t, d.Retry(ctx, inbound.ID))

	assert.ErrorIs(t, d.Retry(ctx, "echat_missing"), store.ErrNotFound)
}

func TestSendMessageRejectsInvalidRecipient(t *testing.T) {
	st := testutil.NewTestStore(t)
	d := dispatch.New(st, testutil.NewFakeSender(), "me@example.com", zap.NewNop())

	_, err := d.SendMessage(context.Background(), "   ", "text")
	assert.Error(t, err)
}

func TestSendPresenceIsNotPersisted(t *testing.T) {
	st := testutil.NewTestStore(t)
	sender := testutil.NewFakeSender()
	d := dispatch.New(st, sender, "me@example.com", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.SendPresence(ctx, "bob@example.com", "online"))

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "status", sent[0].Header[protocol.HeaderType])

	msgs, err := st.ListConversation(ctx, "bob@example.com", store.ConversationRange{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// TestSendAndReceiveRoundTrip pushes a dispatched mail item through the
// peer's inbound pipeline and a reply back through ours.
func TestSendAndReceiveRoundTrip(t *testing.T) {
	ctx := context.Background()

	aliceStore := testutil.NewTestStore(t)
	aliceSender := testutil.NewFakeSender()
	alice := dispatch.New(aliceStore, aliceSender, "alice@example.com", zap.NewNop())

	bobStore := testutil.NewTestStore(t)
	bobMailbox := testutil.NewFakeMailbox()
	bobSession := poller.NewSession("bob", bobMailbox, bobStore, time.Minute, zap.NewNop())

	// Alice sends; her outgoing item lands in Bob's mailbox.
	sent, err := alice.SendMessage(ctx, "bob@example.com", "hi bob")
	require.NoError(t, err)

	item := aliceSender.Sent()[0]
	item.UID = 1
	item.InternalDate = time.Now()
	bobMailbox.Deliver(item)

	require.NoError(t, bobSession.PollOnce(ctx))

	bobView, err := bobStore.ListConversation(ctx, "alice@example.com", store.ConversationRange{})
	require.NoError(t, err)
	require.Len(t, bobView, 1)
	assert.Equal(t, sent.ID, bobView[0].ID)
	assert.Equal(t, "hi bob", bobView[0].Body)
	assert.Equal(t, model.DirectionInbound, bobView[0].Direction)
	assert.Equal(t, model.DeliveryDelivered, bobView[0].DeliveryState)

	// Bob replies; the reply threads into Alice's existing conversation.
	bobSender := testutil.NewFakeSender()
	bob := dispatch.New(bobStore, bobSender, "bob@example.com", zap.NewNop())

	_, err = bob.SendMessage(ctx, "alice@example.com", "hi alice")
	require.NoError(t, err)

	aliceMailbox := testutil.NewFakeMailbox()
	aliceSession := poller.NewSession("alice", aliceMailbox, aliceStore, time.Minute, zap.NewNop())

	replyItem := bobSender.Sent()[0]
	replyItem.UID = 1
	replyItem.InternalDate = time.Now()
	aliceMailbox.Deliver(replyItem)

	require.NoError(t, aliceSession.PollOnce(ctx))

	aliceView, err := aliceStore.ListConversation(ctx, "bob@example.com", store.ConversationRange{})
	require.NoError(t, err)
	require.Len(t, aliceView, 2)

	var bodies []string
	for _, m := range aliceView {
		bodies = append(bodies, m.Body)
	}
	assert.ElementsMatch(t, []string{"hi bob", "hi alice"}, bodies)
}
