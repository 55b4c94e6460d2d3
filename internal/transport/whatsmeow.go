package transport

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// WhatsmeowConnector opens whatsmeow-backed sessions. Each instance gets its
// own sqlite sqlstore inside its credential directory, so destroying the
// directory forces a fresh pairing.
type WhatsmeowConnector struct{}

func NewWhatsmeowConnector() *WhatsmeowConnector {
	return &WhatsmeowConnector{}
}

func (wc *WhatsmeowConnector) Connect(ctx context.Context, cfg Config, handler EventHandler) (Session, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(cfg.CredentialDir, "session.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device credentials: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// The lifecycle manager owns reconnection and its backoff policy.
	client.EnableAutoReconnect = false

	client.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.Connected:
			account := ""
			if client.Store.ID != nil {
				account = client.Store.ID.User
			}
			handler(LinkEstablished{AccountID: account})
		case *events.LoggedOut:
			handler(LinkClosed{Code: CloseLoggedOut})
		case *events.TemporaryBan:
			handler(LinkClosed{Code: CloseRateLimited})
		case *events.ClientOutdated:
			handler(LinkClosed{Code: CloseRateLimited})
		case *events.StreamError:
			code, _ := strconv.Atoi(e.Code)
			handler(LinkClosed{Code: code})
		case *events.Disconnected:
			handler(LinkClosed{Code: 0})
		case *events.Message:
			handler(MessageReceived{Message: inboundFromEvent(e)})
		default:
			zap.L().Debug("whatsmeow event ignored",
				zap.String("instance_id", cfg.InstanceID),
				zap.String("type", fmt.Sprintf("%T", evt)))
		}
	})

	// A device without a stored JID has never paired; whatsmeow only emits
	// pairing codes through the QR channel, which must be requested before
	// Connect.
	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			zap.L().Warn("whatsmeow qr channel unavailable",
				zap.String("instance_id", cfg.InstanceID), zap.Error(err))
		} else {
			go func() {
				for item := range qrChan {
					if item.Event == whatsmeow.QRChannelEventCode {
						handler(PairingChallenge{Code: item.Code})
					}
				}
			}()
		}
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &whatsmeowSession{client: client}, nil
}

func inboundFromEvent(e *events.Message) InboundMessage {
	im := InboundMessage{
		ID:        e.Info.ID,
		Chat:      e.Info.Chat.String(),
		PushName:  e.Info.PushName,
		FromMe:    e.Info.IsFromMe,
		IsGroup:   e.Info.IsGroup,
		Timestamp: e.Info.Timestamp,
	}
	msg := e.Message
	if msg == nil {
		return im
	}
	im.Conversation = msg.GetConversation()
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		im.ExtendedText = ext.GetText()
		im.HasQuote = ext.GetContextInfo().GetQuotedMessage() != nil
	}
	if img := msg.GetImageMessage(); img != nil {
		im.HasImage = true
		im.Caption = img.GetCaption()
		im.HasQuote = im.HasQuote || img.GetContextInfo().GetQuotedMessage() != nil
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		im.HasVideo = true
		if im.Caption == "" {
			im.Caption = vid.GetCaption()
		}
		im.HasQuote = im.HasQuote || vid.GetContextInfo().GetQuotedMessage() != nil
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		im.HasAudio = true
		im.HasQuote = im.HasQuote || aud.GetContextInfo().GetQuotedMessage() != nil
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		im.HasDocument = true
		if im.Caption == "" {
			im.Caption = doc.GetCaption()
		}
		im.HasQuote = im.HasQuote || doc.GetContextInfo().GetQuotedMessage() != nil
	}
	return im
}

type whatsmeowSession struct {
	client *whatsmeow.Client
}

func (s *whatsmeowSession) Send(ctx context.Context, address string, msg Outbound) (string, error) {
	jid, err := waTypes.ParseJID(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}

	var wam *waE2E.Message
	if len(msg.Image) > 0 {
		up, err := s.client.Upload(ctx, msg.Image, whatsmeow.MediaImage)
		if err != nil {
			return "", fmt.Errorf("upload image: %w", err)
		}
		wam = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(msg.Text),
			Mimetype:      proto.String(http.DetectContentType(msg.Image)),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	} else {
		wam = &waE2E.Message{Conversation: proto.String(msg.Text)}
	}

	resp, err := s.client.SendMessage(ctx, jid, wam)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *whatsmeowSession) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *whatsmeowSession) Disconnect() {
	s.client.Disconnect()
}
