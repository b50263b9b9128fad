package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clara-ai/gateway/internal/protocol"
)

func newMessage(id, user, channel, content string) protocol.Message {
	return protocol.Message{
		Type:    protocol.TypeMessage,
		ID:      id,
		User:    protocol.UserInfo{ID: user},
		Channel: protocol.ChannelInfo{ID: channel},
		Content: content,
	}
}

func TestSubmitAcquiresIdleChannelImmediately(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	acquired, pos := r.Submit(newMessage("1", "u1", "c1", "hi"), "node-1", SubmitOptions{IsMention: true})
	if !acquired || pos != 0 {
		t.Fatalf("expected immediate acquisition, got acquired=%v pos=%d", acquired, pos)
	}
	if !r.IsChannelBusy("c1") {
		t.Error("expected channel to be busy after acquisition")
	}
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	msg := newMessage("1", "u1", "c1", "same content")
	r.Submit(msg, "node-1", SubmitOptions{IsMention: true})

	dup := newMessage("2", "u1", "c1", "same content")
	acquired, pos := r.Submit(dup, "node-1", SubmitOptions{IsMention: true})
	if acquired || pos != -1 {
		t.Fatalf("expected duplicate rejection (false, -1), got (%v, %d)", acquired, pos)
	}
}

func TestSubmitSkipDedupBypassesDuplicateCheck(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	msg := newMessage("1", "u1", "c1", "same content")
	r.Submit(msg, "node-1", SubmitOptions{IsMention: true})
	r.Complete("1")

	dup := newMessage("2", "u1", "c1", "same content")
	acquired, _ := r.Submit(dup, "node-1", SubmitOptions{IsMention: true, SkipDedup: true})
	if !acquired {
		t.Error("expected SkipDedup to bypass the duplicate check")
	}
}

func TestSubmitQueuesWhenChannelBusy(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})

	acquired, pos := r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsMention: true})
	if acquired || pos != 1 {
		t.Fatalf("expected (false, 1) for queued request, got (%v, %d)", acquired, pos)
	}
	if r.GetQueueLength("c1") != 1 {
		t.Error("expected one queued request")
	}
}

func TestCompletePromotesNextQueued(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsMention: true})

	next := r.Complete("1")
	if next == nil || next.RequestID() != "2" {
		t.Fatalf("expected request 2 promoted to active, got %v", next)
	}
	active, ok := r.GetActive("c1")
	if !ok || active.RequestID() != "2" {
		t.Fatal("expected request 2 to be the new active request")
	}
}

func TestCompleteUnknownRequestReturnsNil(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	if next := r.Complete("nonexistent"); next != nil {
		t.Error("expected nil for unknown request")
	}
}

func TestCompleteBatchDequeuesConsecutiveBatchable(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsBatchable: true})
	r.Submit(newMessage("3", "u3", "c1", "third"), "node-1", SubmitOptions{IsBatchable: true})
	r.Submit(newMessage("4", "u4", "c1", "fourth"), "node-1", SubmitOptions{IsBatchable: false})

	batch := r.CompleteBatch("1")
	if len(batch) != 2 {
		t.Fatalf("expected 2 batchable requests dequeued, got %d", len(batch))
	}
	if r.GetQueueLength("c1") != 1 {
		t.Errorf("expected non-batchable request 4 to remain queued, got length %d", r.GetQueueLength("c1"))
	}
	active, ok := r.GetActive("c1")
	if !ok || active.RequestID() != "3" {
		t.Error("expected last batched request to become active")
	}
}

func TestCompleteBatchEmptyWhenHeadNotBatchable(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsBatchable: false})

	batch := r.CompleteBatch("1")
	if len(batch) != 0 {
		t.Errorf("expected empty batch, got %d", len(batch))
	}
}

func TestCancelActiveRequest(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "hi"), "node-1", SubmitOptions{IsMention: true})

	var cancelled bool
	var mu sync.Mutex
	r.RegisterCancel("1", func() { mu.Lock(); cancelled = true; mu.Unlock() })

	if !r.Cancel("1") {
		t.Fatal("expected Cancel to find the active request")
	}
	mu.Lock()
	defer mu.Unlock()
	if !cancelled {
		t.Error("expected cancel func to run")
	}
	if status, _ := r.GetRequestStatus("1"); status != StatusCancelled {
		t.Errorf("expected status cancelled, got %s", status)
	}
	if r.IsChannelBusy("c1") {
		t.Error("expected channel released after cancelling its active request")
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsMention: true})

	if !r.Cancel("2") {
		t.Fatal("expected Cancel to find the queued request")
	}
	if r.GetQueueLength("c1") != 0 {
		t.Error("expected queue to be empty after cancelling its only entry")
	}
}

func TestCancelUnknownReturnsFalse(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	if r.Cancel("nonexistent") {
		t.Error("expected false for unknown request")
	}
}

func TestCancelChannelClearsEverything(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("3", "u3", "c1", "third"), "node-1", SubmitOptions{IsMention: true})

	hadActive, numCancelled := r.CancelChannel("c1")
	if !hadActive {
		t.Error("expected hadActive to be true")
	}
	if numCancelled != 2 {
		t.Errorf("expected 2 queued requests cancelled, got %d", numCancelled)
	}
	if r.IsChannelBusy("c1") {
		t.Error("expected channel to be free after CancelChannel")
	}
	if r.GetQueueLength("c1") != 0 {
		t.Error("expected queue to be empty after CancelChannel")
	}
}

func TestDebounceConsolidatesBurst(t *testing.T) {
	r := New(Config{DebounceWindow: 50 * time.Millisecond}, nil)

	done := make(chan string, 1)
	r.SetDebounceCallback(func(channelID string, consolidated *QueuedRequest) {
		done <- consolidated.Request.Content
	})

	r.Submit(newMessage("1", "u1", "c1", "line one"), "node-1", SubmitOptions{})
	time.Sleep(10 * time.Millisecond)
	r.Submit(newMessage("2", "u1", "c1", "line two"), "node-1", SubmitOptions{})
	time.Sleep(10 * time.Millisecond)
	r.Submit(newMessage("3", "u1", "c1", "line three"), "node-1", SubmitOptions{})

	select {
	case content := <-done:
		if content != "line one\nline two\nline three" {
			t.Errorf("unexpected consolidated content: %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounce callback never fired")
	}

	if status, _ := r.GetRequestStatus("1"); status != StatusActive {
		t.Errorf("expected first request active, got %s", status)
	}
	if status, _ := r.GetRequestStatus("2"); status != StatusCompleted {
		t.Errorf("expected absorbed request completed, got %s", status)
	}
	active, ok := r.GetActive("c1")
	if !ok || active.RequestID() != "1" {
		t.Error("expected consolidated request to keep the first request's ID")
	}
}

func TestMentionBypassesDebounce(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	acquired, _ := r.Submit(newMessage("1", "u1", "c1", "hi"), "node-1", SubmitOptions{IsMention: true})
	if !acquired {
		t.Error("expected mention to skip debounce and acquire immediately")
	}
	if status, _ := r.GetRequestStatus("1"); status != StatusActive {
		t.Errorf("expected active status, got %s", status)
	}
}

func TestCancelChannelStopsPendingDebounce(t *testing.T) {
	r := New(Config{DebounceWindow: 50 * time.Millisecond}, nil)
	fired := make(chan struct{}, 1)
	r.SetDebounceCallback(func(channelID string, consolidated *QueuedRequest) {
		fired <- struct{}{}
	})

	r.Submit(newMessage("1", "u1", "c1", "hi"), "node-1", SubmitOptions{})
	hadActive, numCancelled := r.CancelChannel("c1")
	if hadActive {
		t.Error("expected no active request yet (still debouncing)")
	}
	if numCancelled != 1 {
		t.Errorf("expected 1 debouncing request cancelled, got %d", numCancelled)
	}

	select {
	case <-fired:
		t.Error("debounce callback should not fire after CancelChannel")
	case <-time.After(150 * time.Millisecond):
	}

	if status, _ := r.GetRequestStatus("1"); status != StatusCancelled {
		t.Errorf("expected cancelled status, got %s", status)
	}
}

func TestMarkFailedReleasesChannel(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsMention: true})

	next := r.MarkFailed("1")
	if next == nil || next.RequestID() != "2" {
		t.Fatal("expected next queued request promoted after failure")
	}
	if status, _ := r.GetRequestStatus("1"); status != StatusFailed {
		t.Errorf("expected failed status, got %s", status)
	}
}

func TestIncrementToolCount(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "hi"), "node-1", SubmitOptions{IsMention: true})

	if n := r.IncrementToolCount("1"); n != 1 {
		t.Errorf("expected count 1, got %d", n)
	}
	if n := r.IncrementToolCount("1"); n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}
	if n := r.IncrementToolCount("unknown"); n != 0 {
		t.Errorf("expected 0 for unknown request, got %d", n)
	}
}

func TestStatsReflectsState(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "first"), "node-1", SubmitOptions{IsMention: true})
	r.Submit(newMessage("2", "u2", "c1", "second"), "node-1", SubmitOptions{IsMention: true})

	stats := r.Stats()
	if stats.ActiveChannels != 1 {
		t.Errorf("expected 1 active channel, got %d", stats.ActiveChannels)
	}
	if stats.TotalQueued != 1 {
		t.Errorf("expected 1 queued request, got %d", stats.TotalQueued)
	}
}

func TestRegisterCancelOnUnknownRequestIsNoop(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.RegisterCancel("nonexistent", func() {})
}

func TestContextCancelFuncIntegration(t *testing.T) {
	r := New(Config{DebounceWindow: time.Hour}, nil)
	r.Submit(newMessage("1", "u1", "c1", "hi"), "node-1", SubmitOptions{IsMention: true})

	ctx, cancel := context.WithCancel(context.Background())
	r.RegisterCancel("1", cancel)
	r.Cancel("1")

	select {
	case <-ctx.Done():
	default:
		t.Error("expected context to be cancelled")
	}
}
