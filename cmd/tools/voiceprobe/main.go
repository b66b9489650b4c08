package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

type probeOptions struct {
	URL       string
	UserID    string
	Agent     string
	AudioPath string
	OutPath   string
	ChunkSize int
	Interval  time.Duration
	Timeout   time.Duration
}

type probeResult struct {
	SessionID      string
	ChunksSent     int
	AudioBytesRecv int
	UserText       string
	AssistantText  string
	Errors         []string
}

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Warn("无法加载 .env，改用系统环境变量", "err", err)
	}
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:          "voiceprobe",
		Short:        "手动测试语音桥：推送 PCM 音频并打印服务端消息",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.AudioPath == "" {
				return errors.New("需要通过 --audio 指定 PCM 音频文件")
			}
			audio, err := os.ReadFile(opts.AudioPath)
			if err != nil {
				return fmt.Errorf("读取音频文件失败: %w", err)
			}

			var out io.Writer
			if opts.OutPath != "" {
				f, err := os.Create(opts.OutPath)
				if err != nil {
					return fmt.Errorf("创建输出文件失败: %w", err)
				}
				defer f.Close()
				out = f
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			res, err := probe(ctx, opts, audio, out)
			if err != nil {
				return err
			}
			logger.Info("测试完成",
				"session", res.SessionID,
				"chunks_sent", res.ChunksSent,
				"audio_bytes_recv", res.AudioBytesRecv,
				"user_text", res.UserText,
				"assistant_text", res.AssistantText,
				"errors", len(res.Errors),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.URL, "url", "ws://localhost:8080/api/voice/ws", "语音桥 WebSocket 地址")
	flags.StringVar(&opts.UserID, "user", "probe-user", "userId")
	flags.StringVar(&opts.Agent, "agent", "Math Coach", "agentTitle 或 personaId")
	flags.StringVar(&opts.AudioPath, "audio", "", "16-bit PCM 输入文件")
	flags.StringVar(&opts.OutPath, "out", "", "助手音频输出文件 (PCM)，留空不保存")
	flags.IntVar(&opts.ChunkSize, "chunk", 3200, "每帧字节数")
	flags.DurationVar(&opts.Interval, "interval", 100*time.Millisecond, "帧间隔")
	flags.DurationVar(&opts.Timeout, "timeout", 45*time.Second, "整体超时")
	return cmd
}

// probe runs one init/stream/disconnect cycle against the bridge.
func probe(ctx context.Context, opts probeOptions, audio []byte, out io.Writer) (probeResult, error) {
	var res probeResult
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 3200
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return res, fmt.Errorf("连接语音桥失败: %w", err)
	}
	defer ws.Close()

	if err := writeJSON(ws, map[string]string{"type": "init", "userId": opts.UserID, "agentTitle": opts.Agent}); err != nil {
		return res, err
	}

	msgs := make(chan voice.ServerMessage, 64)
	go func() {
		defer close(msgs)
		for {
			var msg voice.ServerMessage
			if err := ws.ReadJSON(&msg); err != nil {
				logger.Debug("读取结束", "err", err)
				return
			}
			msgs <- msg
		}
	}()

	ready, err := awaitType(ctx, msgs, &res, out, voice.TypeSessionReady)
	if err != nil {
		return res, err
	}
	res.SessionID = ready.SessionID
	logger.Info("会话已建立", "session", res.SessionID)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for offset := 0; offset < len(audio); offset += opts.ChunkSize {
		end := min(offset+opts.ChunkSize, len(audio))
		frame := map[string]string{"type": "audio_chunk", "audioData": base64.StdEncoding.EncodeToString(audio[offset:end])}
		if err := writeJSON(ws, frame); err != nil {
			return res, err
		}
		res.ChunksSent++
		drain(msgs, &res, out)

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}

	turnCtx, cancelTurn := context.WithTimeout(ctx, 10*time.Second)
	_, err = awaitType(turnCtx, msgs, &res, out, voice.TypeTurnComplete)
	cancelTurn()
	if err != nil {
		logger.Warn("未收到 turn_complete", "err", err)
	}

	if err := writeJSON(ws, map[string]string{"type": "disconnect"}); err != nil {
		return res, err
	}
	if _, err := awaitType(ctx, msgs, &res, out, voice.TypeSessionEnded); err != nil {
		return res, err
	}
	return res, nil
}

func writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}
	return nil
}

func awaitType(ctx context.Context, msgs <-chan voice.ServerMessage, res *probeResult, out io.Writer, typ string) (voice.ServerMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return voice.ServerMessage{}, fmt.Errorf("等待 %s 超时: %w", typ, ctx.Err())
		case msg, ok := <-msgs:
			if !ok {
				return voice.ServerMessage{}, fmt.Errorf("等待 %s 时连接关闭", typ)
			}
			record(msg, res, out)
			if msg.Type == typ {
				return msg, nil
			}
			if msg.Type == voice.TypeError && res.SessionID == "" {
				return msg, fmt.Errorf("会话建立失败: %s %s", msg.Code, msg.Message)
			}
		}
	}
}

func drain(msgs <-chan voice.ServerMessage, res *probeResult, out io.Writer) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			record(msg, res, out)
		default:
			return
		}
	}
}

func record(msg voice.ServerMessage, res *probeResult, out io.Writer) {
	switch msg.Type {
	case voice.TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			logger.Warn("助手音频解码失败", "err", err)
			return
		}
		res.AudioBytesRecv += len(pcm)
		if out != nil {
			_, _ = out.Write(pcm)
		}
	case voice.TypeUserText:
		res.UserText += msg.Text
		logger.Info("用户", "text", msg.Text)
	case voice.TypeAssistantText:
		res.AssistantText += msg.Text
		logger.Info("助手", "text", msg.Text)
	case voice.TypeError:
		res.Errors = append(res.Errors, msg.Code)
		logger.Warn("服务端错误", "code", msg.Code, "message", msg.Message)
	default:
		logger.Info("服务端消息", "type", msg.Type, "session", msg.SessionID, "reason", msg.Reason)
	}
}
