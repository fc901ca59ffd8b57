package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/okorolev/Board/internal/adapters/rtc"
	"github.com/okorolev/Board/internal/client"
	"github.com/okorolev/Board/internal/config"
	"github.com/okorolev/Board/internal/domain"
)

var sharePath string

// chatMessage is an application-layer event; the mesh core never looks
// inside it.
type chatMessage struct {
	Text string `msgpack:"text"`
}

// noteAnnounce tells peers a shared attachment exists and who owns it.
type noteAnnounce struct {
	NoteID       string                `msgpack:"noteId"`
	AttachmentID string                `msgpack:"attachmentId"`
	Meta         client.AttachmentMeta `msgpack:"meta"`
}

var joinCmd = &cobra.Command{
	Use:   "join <room-key>",
	Short: "Join a room and chat over direct peer links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&sharePath, "share", "", "file to offer to every peer as an attachment")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(roomKey string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sig, err := client.Dial(serverURL)
	if err != nil {
		return err
	}
	defer sig.Close()

	connID, err := sig.Hello(ctx)
	if err != nil {
		return err
	}
	ack, err := sig.Join(ctx, roomKey, username, "")
	if err != nil {
		return err
	}
	fmt.Printf("joined %q as %s (connection %s)\n", roomKey, ack.Username, connID)

	webrtcCfg := rtc.WebRTCConfig(cfg.ICEServers)
	factory := func(remote domain.ConnectionID) (client.LinkTransport, error) {
		conn, err := rtc.NewConnection(webrtcCfg, remote)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	orch := client.NewOrchestrator(connID, sig, factory, sig.Snapshots(), sig.Forwards(), cfg.NegotiationTimeout)
	store := client.NewAttachmentStore(orch, cfg.ChunkSize, cfg.MaxTransferBytes)
	detach := store.Bind(orch.Bus())
	defer detach()

	store.OnStatus = func(att client.Attachment) {
		if att.Status == client.AttachmentDownloaded {
			fmt.Printf("<< attachment %s (%s, %d bytes) downloaded\n", att.ID, att.Meta.Name, len(att.Content))
		}
	}

	offChat := orch.Bus().Subscribe("chat", func(from domain.ConnectionID, payload msgpack.RawMessage) {
		var msg chatMessage
		if err := msgpack.Unmarshal(payload, &msg); err != nil {
			return
		}
		fmt.Printf("<%s> %s\n", from, msg.Text)
	})
	defer offChat()

	offNote := orch.Bus().Subscribe("note", func(from domain.ConnectionID, payload msgpack.RawMessage) {
		var note noteAnnounce
		if err := msgpack.Unmarshal(payload, &note); err != nil {
			return
		}
		store.AddPlaceholder(note.NoteID, note.AttachmentID, note.Meta)
		if err := store.Request(from, note.AttachmentID); err != nil {
			log.Warn().Err(err).Str("attachment", note.AttachmentID).Msg("request failed")
		}
	})
	defer offNote()

	var shared *noteAnnounce
	if sharePath != "" {
		content, err := os.ReadFile(sharePath)
		if err != nil {
			return fmt.Errorf("read share file: %w", err)
		}
		shared = &noteAnnounce{
			NoteID:       uuid.NewString(),
			AttachmentID: uuid.NewString(),
			Meta: client.AttachmentMeta{
				Name: filepath.Base(sharePath),
				Size: int64(len(content)),
			},
		}
		store.AddLocal(shared.NoteID, shared.AttachmentID, shared.Meta, content)
		fmt.Printf("sharing %s (%d bytes)\n", shared.Meta.Name, len(content))
	}

	go orch.Run(ctx)

	go func() {
		for ev := range orch.Events() {
			switch ev.Kind {
			case client.PeerJoined:
				fmt.Printf("++ %s connected\n", ev.Peer.Username)
				if shared != nil {
					_ = orch.SendTo(domain.ConnectionID(ev.Peer.ConnectionID), "note", *shared)
				}
			case client.PeerLeft:
				fmt.Printf("-- %s left\n", ev.Peer.Username)
			case client.PeerFailed:
				fmt.Printf("!! %s unreachable\n", ev.Peer.Username)
			}
		}
	}()

	// Stdin lines become chat broadcasts until EOF or interrupt.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			if err := orch.Broadcast("chat", chatMessage{Text: text}); err != nil {
				log.Warn().Err(err).Msg("broadcast failed")
			}
		}
		cancel()
	}()

	<-ctx.Done()
	fmt.Println("bye")
	return nil
}
