package logs

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildmaster/internal/history/logfs"
)

// A follower that joins at any point sees the snapshot plus the live chunks
// as exactly the bytes written, with nothing missing or repeated.
func TestFollowSeesEveryByteOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot plus chunks equals content", prop.ForAll(
		func(parts []string, joinAt int) bool {
			ctx := context.Background()
			tee := NewTee(logfs.NewMemory(), NewBroker(nil))
			if err := tee.Create(ctx, "p/build-1/s/stdout"); err != nil {
				return false
			}

			joinAt = joinAt % (len(parts) + 1)
			var (
				want     string
				snapshot []byte
				sub      *Subscriber
			)
			for i, part := range parts {
				if i == joinAt {
					data, s, err := tee.Follow(ctx, "p/build-1/s/stdout")
					if err != nil {
						return false
					}
					snapshot, sub = data, s
				}
				if err := tee.Append(ctx, "p/build-1/s/stdout", []byte(part)); err != nil {
					return false
				}
				want += part
			}
			if sub == nil {
				data, s, err := tee.Follow(ctx, "p/build-1/s/stdout")
				if err != nil {
					return false
				}
				snapshot, sub = data, s
			}
			tee.Broker().Unsubscribe(sub)

			got := string(snapshot)
			for chunk := range sub.Ch {
				got += string(chunk.Data)
			}
			return got == want
		},
		gen.SliceOfN(10, gen.AlphaString()),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestPublishFiltersByFilename(t *testing.T) {
	b := NewBroker(nil)
	a := b.Subscribe("a")
	other := b.Subscribe("b")
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(other)

	b.Publish(&Chunk{Filename: "a", Data: []byte("x")})
	b.Publish(nil)

	if len(a.Ch) != 1 {
		t.Errorf("subscriber a got %d chunks, want 1", len(a.Ch))
	}
	if len(other.Ch) != 0 {
		t.Errorf("subscriber b got %d chunks, want 0", len(other.Ch))
	}
}

func TestSlowSubscriberDropsChunks(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("a")
	defer b.Unsubscribe(sub)

	for i := 0; i < b.bufferSize+10; i++ {
		b.Publish(&Chunk{Filename: "a", Data: []byte("x")})
	}
	if len(sub.Ch) != b.bufferSize {
		t.Errorf("buffered %d chunks, want %d", len(sub.Ch), b.bufferSize)
	}
}

func TestRemoveClosesFollowers(t *testing.T) {
	ctx := context.Background()
	tee := NewTee(logfs.NewMemory(), NewBroker(nil))
	if err := tee.Create(ctx, "p/stdout"); err != nil {
		t.Fatal(err)
	}
	_, sub, err := tee.Follow(ctx, "p/stdout")
	if err != nil {
		t.Fatal(err)
	}

	if err := tee.Remove(ctx, "p/stdout"); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Ch; ok {
		t.Error("subscriber channel still open after remove")
	}
	if n := tee.Broker().SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	// Unsubscribing after the logfile went away is a no-op.
	tee.Broker().Unsubscribe(sub)
}

func TestFollowMissingLogfile(t *testing.T) {
	tee := NewTee(logfs.NewMemory(), NewBroker(nil))
	if _, _, err := tee.Follow(context.Background(), "p/missing"); err == nil {
		t.Fatal("Follow of a missing logfile succeeded")
	}
	if n := tee.Broker().SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestUsageDelegates(t *testing.T) {
	ctx := context.Background()
	tee := NewTee(logfs.NewMemory(), NewBroker(nil))
	if err := tee.Create(ctx, "p/stdout"); err != nil {
		t.Fatal(err)
	}
	if err := tee.Append(ctx, "p/stdout", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if n, err := tee.Usage(ctx); err != nil || n != 3 {
		t.Errorf("Usage = %d, %v, want 3", n, err)
	}
}
