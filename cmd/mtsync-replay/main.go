// mtsync-replay feeds a captured update log through a real engine instance
// and reports what the engine did with it: how many updates reached the
// consumers, how many gaps opened and where the counters ended up. Useful
// for diagnosing ordering bugs from production captures without a live
// transport.
//
// The log is JSON lines, one update per line:
//
//	{"type": "new_message", "pts": 5, "pts_count": 1, "date": 1700000000, "id": 12, "text": "hi"}
//	{"type": "encrypted", "qts": 3, "date": 1700000001}
//	{"type": "user_status", "user_id": 44, "online": true}
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.mau.fi/zerozap"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
	"github.com/QRpeachKZ/mtsync/pkg/updates"
)

// replayClient serves getDifference without a server: it answers with the
// state the engine already has, so an unfilled gap resolves by dropping the
// buffered entries. The call count is the number of resyncs the log forced.
type replayClient struct {
	calls atomic.Int64
}

func (c *replayClient) GetDifference(ctx context.Context, req mtp.DifferenceRequest) (mtp.Difference, error) {
	c.calls.Inc()
	return mtp.Difference{
		State: mtp.State{Pts: req.Pts, Qts: req.Qts, Date: req.Date},
		Final: true,
	}, nil
}

// countingConsumer counts what actually reached the message store.
type countingConsumer struct {
	messages  atomic.Int64
	encrypted atomic.Int64
	deletes   atomic.Int64
	reads     atomic.Int64
}

func (c *countingConsumer) NewMessage(ctx context.Context, msg mtp.Message) error {
	c.messages.Inc()
	return nil
}

func (c *countingConsumer) NewEncryptedMessage(ctx context.Context, msg mtp.EncryptedMessage) error {
	c.encrypted.Inc()
	return nil
}

func (c *countingConsumer) DeleteMessages(ctx context.Context, ids []int) error {
	c.deletes.Inc()
	return nil
}

func (c *countingConsumer) ReadHistory(ctx context.Context, peerID int64, maxID int) error {
	c.reads.Inc()
	return nil
}

func parseUpdate(line string) (mtp.Update, int) {
	date := int(gjson.Get(line, "date").Int())
	switch gjson.Get(line, "type").Str {
	case "new_message":
		return &mtp.UpdateNewMessage{
			Message: mtp.Message{
				ID:     int(gjson.Get(line, "id").Int()),
				FromID: gjson.Get(line, "from_id").Int(),
				PeerID: gjson.Get(line, "peer_id").Int(),
				Date:   date,
				Text:   gjson.Get(line, "text").Str,
			},
			Pts:      int(gjson.Get(line, "pts").Int()),
			PtsCount: int(gjson.Get(line, "pts_count").Int()),
		}, date
	case "delete_messages":
		var ids []int
		for _, id := range gjson.Get(line, "ids").Array() {
			ids = append(ids, int(id.Int()))
		}
		return &mtp.UpdateDeleteMessages{
			IDs:      ids,
			Pts:      int(gjson.Get(line, "pts").Int()),
			PtsCount: int(gjson.Get(line, "pts_count").Int()),
		}, date
	case "read_history":
		return &mtp.UpdateReadHistory{
			PeerID:   gjson.Get(line, "peer_id").Int(),
			MaxID:    int(gjson.Get(line, "max_id").Int()),
			Pts:      int(gjson.Get(line, "pts").Int()),
			PtsCount: int(gjson.Get(line, "pts_count").Int()),
		}, date
	case "encrypted":
		return &mtp.UpdateNewEncryptedMessage{
			Message: mtp.EncryptedMessage{
				ChatID: gjson.Get(line, "chat_id").Int(),
				Date:   date,
			},
			Qts: int(gjson.Get(line, "qts").Int()),
		}, date
	case "user_status":
		status := mtp.UserStatusOffline
		if gjson.Get(line, "online").Bool() {
			status = mtp.UserStatusOnline
		}
		return &mtp.UpdateUserStatus{
			UserID: gjson.Get(line, "user_id").Int(),
			Status: status,
		}, date
	case "typing":
		return &mtp.UpdateUserTyping{
			UserID: gjson.Get(line, "user_id").Int(),
			ChatID: gjson.Get(line, "chat_id").Int(),
		}, date
	case "dialog_pinned":
		return &mtp.UpdateDialogPinned{
			PeerID: gjson.Get(line, "peer_id").Int(),
			Pinned: gjson.Get(line, "pinned").Bool(),
		}, date
	case "too_long":
		return nil, date
	default:
		return &mtp.UpdateUnknown{
			Constructor: uint32(gjson.Get(line, "constructor").Uint()),
			Raw:         []byte(line),
		}, date
	}
}

func main() {
	var (
		logPath    = flag.String("log", "-", "update log file, - for stdin")
		accountID  = flag.Int64("account", 0, "account ID")
		gapTimeout = flag.Duration("gap-timeout", 500*time.Millisecond, "unfilled gap threshold")
		settle     = flag.Duration("settle", 2*time.Second, "how long to wait for gap timers after the log ends")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if !*verbose {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}
	zaplog := zap.New(zerozap.New(log.Logger))

	input := os.Stdin
	if *logPath != "-" {
		f, err := os.Open(*logPath)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		input = f
	}

	var (
		client   replayClient
		consumer countingConsumer
		degraded atomic.Int64
	)
	engine := updates.New(updates.Config{
		SelfID:  *accountID,
		Storage: updates.NewMemStorage(),
		Client:  &client,
		Router: updates.Router{
			Messages: &consumer,
		},
		Logger:     zaplog,
		GapTimeout: *gapTimeout,
		OnDegraded: func(err error) {
			degraded.Inc()
			log.Warn().Err(err).Msg("Engine degraded")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()

	var fed int
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		u, date := parseUpdate(line)
		var container mtp.Updates
		if u == nil {
			container = &mtp.UpdatesTooLong{}
		} else {
			container = &mtp.UpdateShort{Update: u, Date: date}
		}
		if err := engine.Handle(ctx, container); err != nil {
			panic(err)
		}
		fed++
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}

	// Let buffered drains and gap timers run their course.
	time.Sleep(*settle)
	cancel()
	<-done

	pts, qts := engine.Confirmed()
	pp.Println(struct {
		Fed       int
		Messages  int64
		Encrypted int64
		Deletes   int64
		Reads     int64
		Resyncs   int64
		Degraded  int64
		State     updates.State
		Confirmed [2]int
	}{
		Fed:       fed,
		Messages:  consumer.messages.Load(),
		Encrypted: consumer.encrypted.Load(),
		Deletes:   consumer.deletes.Load(),
		Reads:     consumer.reads.Load(),
		Resyncs:   client.calls.Load(),
		Degraded:  degraded.Load(),
		State:     engine.State(),
		Confirmed: [2]int{pts, qts},
	})
}
