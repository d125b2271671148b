package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMailboxDrainIsIdempotentPerSeenSet(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	mbox := store.Mailbox("task-a")

	require.NoError(t, mbox.Append(MailboxMessage{MsgID: "m1", Text: "hello"}))
	require.NoError(t, mbox.Append(MailboxMessage{MsgID: "m2", Text: "world"}))

	seen := map[string]struct{}{}
	first, err := mbox.Drain(seen)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "m1", first[0].MsgID)
	require.Equal(t, "m2", first[1].MsgID)

	// Re-draining with the same populated seen set returns nothing new,
	// the redelivery-safety property relied on by scenario S4.
	second, err := mbox.Drain(seen)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestMailboxDrainReturnsOnlyNewMessagesAfterAppend(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	mbox := store.Mailbox("task-b")

	seen := map[string]struct{}{}
	require.NoError(t, mbox.Append(MailboxMessage{MsgID: "m1", Text: "first"}))
	first, err := mbox.Drain(seen)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, mbox.Append(MailboxMessage{MsgID: "m2", Text: "second"}))
	second, err := mbox.Drain(seen)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "m2", second[0].MsgID)
}

func TestMailboxAppendRejectsEmptyMsgID(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	mbox := store.Mailbox("task-c")

	err = mbox.Append(MailboxMessage{Text: "no id"})
	require.Error(t, err)
}

func TestMailboxDrainRejectsNilSeenSet(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	mbox := store.Mailbox("task-d")

	_, err = mbox.Drain(nil)
	require.Error(t, err)
}

func TestMailboxIsolatedPerTask(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Mailbox("task-e").Append(MailboxMessage{MsgID: "e1", Text: "for e"}))
	require.NoError(t, store.Mailbox("task-f").Append(MailboxMessage{MsgID: "f1", Text: "for f"}))

	eMsgs, err := store.Mailbox("task-e").Drain(map[string]struct{}{})
	require.NoError(t, err)
	require.Len(t, eMsgs, 1)
	require.Equal(t, "e1", eMsgs[0].MsgID)

	fMsgs, err := store.Mailbox("task-f").Drain(map[string]struct{}{})
	require.NoError(t, err)
	require.Len(t, fMsgs, 1)
	require.Equal(t, "f1", fMsgs[0].MsgID)
}
