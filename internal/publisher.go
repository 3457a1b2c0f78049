package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig 結果事件發佈配置
type NATSConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Stream  string        `yaml:"stream"`
	Subject string        `yaml:"subject"` // 如 "match.concluded"
	MaxAge  time.Duration `yaml:"max_age"`
}

// NATSPublisher 把已定案的結果發佈到 JetStream
//
// 下游（排行榜、積分計算、回放服務）訂閱 match.* 即可，
// 不需要和本服務的戰績儲存耦合。
//
// 同一房間的結果只會發佈一次（由 Registry 保證），
// 但 JetStream 本身是 at-least-once，消費者仍需以 room_id + recorded_at 去重。
type NATSPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher 連線並確保 Stream 存在
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	p := &NATSPublisher{
		conn:    conn,
		js:      js,
		subject: cfg.Subject,
	}

	if err := p.ensureStream(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	return p, nil
}

// ensureStream 冪等地創建或更新 Stream
func (p *NATSPublisher) ensureStream(cfg NATSConfig) error {
	streamCfg := &nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   cfg.MaxAge,
		Replicas: 1,
	}

	_, err := p.js.StreamInfo(cfg.Stream)
	if err == nats.ErrStreamNotFound {
		if _, err := p.js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("創建 Stream 失敗: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("查詢 Stream 失敗: %w", err)
	}

	if _, err := p.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("更新 Stream 失敗: %w", err)
	}
	return nil
}

// PublishOutcome 同步發佈並等待 PubAck
func (p *NATSPublisher) PublishOutcome(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("序列化結果失敗: %w", err)
	}

	// Msg-Id 讓 JetStream 在去重視窗內丟棄重送
	msgID := fmt.Sprintf("%s-%d", o.RoomID, o.RecordedAt.UnixNano())
	if _, err := p.js.Publish(p.subject, data, nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("發送結果失敗: %w", err)
	}
	return nil
}

// Close 關閉連線（先把緩衝送出）
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
