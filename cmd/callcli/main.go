// callcli is a smoke-test client for the signaling server: it connects as a
// given user, waits for incoming calls, and can ring a peer for an
// appointment. Useful for exercising the full offer/answer/candidate path
// against a running server without a browser.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/auth"
	"github.com/mossy-p/telehealth-signaling/internal/callclient"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

func main() {
	var (
		serverURL   = flag.String("server", "ws://localhost:8080/ws/signal", "signaling endpoint")
		secret      = flag.String("secret", "change-me-in-production", "shared JWT secret")
		userID      = flag.String("user", "", "user id to connect as")
		role        = flag.String("role", "patient", "role: patient, doctor or admin")
		callPeer    = flag.String("call", "", "user id to call (empty: wait for calls)")
		appointment = flag.String("appointment", "", "appointment id for the call")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *userID == "" {
		log.Fatal().Msg("-user is required")
	}
	if *callPeer != "" && *appointment == "" {
		log.Fatal().Msg("-appointment is required with -call")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := auth.New(*secret, 15*time.Minute, time.Hour, nil)
	identity := models.Identity{UserID: *userID, Role: models.Role(*role)}
	accessToken, err := a.MintAccessToken(identity)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mint access token")
	}
	refreshToken, err := a.MintRefreshToken(identity)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mint refresh token")
	}

	socket, err := callclient.Dial(ctx, *serverURL, accessToken, refreshToken)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverURL).Msg("failed to connect")
	}
	defer socket.Close()
	log.Info().Str("user", *userID).Str("role", *role).Msg("connected")

	var (
		mu   sync.Mutex
		call *callclient.Call
	)
	currentCall := func() *callclient.Call {
		mu.Lock()
		defer mu.Unlock()
		return call
	}
	setCall := func(c *callclient.Call) {
		mu.Lock()
		defer mu.Unlock()
		call = c
	}

	handlers := callclient.Handlers{
		OnMessage: func(msg models.ChatMessage) {
			log.Info().Str("from", msg.SenderName).Str("message", msg.Message).Msg("chat")
		},
		OnNotification: func(n models.Notification) {
			log.Info().Str("type", n.Type).Str("message", n.Message).Msg("notification")
		},
		OnIncomingCall: func(ring models.IncomingCall) {
			log.Info().Str("caller", ring.Caller).Str("room", ring.RoomID).Msg("incoming call")
			c := callclient.NewWithPion(ring.RoomID, socket)
			c.OnStateChange(func(s callclient.State) {
				log.Info().Str("room", ring.RoomID).Str("state", string(s)).Msg("call state")
			})
			setCall(c)

			if err := socket.AcceptCall(models.AcceptCallRequest{
				Caller:        ring.Caller,
				RoomID:        ring.RoomID,
				AppointmentID: ring.AppointmentID,
			}); err != nil {
				log.Error().Err(err).Msg("failed to accept call")
				return
			}
			go func() {
				if err := c.Accept(ctx); err != nil {
					log.Error().Err(err).Msg("call setup failed")
				}
			}()
		},
		OnCallAccepted: func(accepted models.CallAccepted) {
			log.Info().Str("receiver", accepted.Receiver).Str("room", accepted.RoomID).Msg("call accepted")
			c := callclient.NewWithPion(accepted.RoomID, socket)
			c.OnStateChange(func(s callclient.State) {
				log.Info().Str("room", accepted.RoomID).Str("state", string(s)).Msg("call state")
			})
			setCall(c)
			go func() {
				if err := c.Start(ctx); err != nil {
					log.Error().Err(err).Msg("call setup failed")
				}
			}()
		},
		OnSignal: func(sig models.VideoCallSignal) {
			c := currentCall()
			if c == nil || c.RoomID() != sig.RoomID {
				return
			}
			if err := c.HandleSignal(sig.Signal); err != nil {
				log.Warn().Err(err).Msg("signal handling failed")
			}
		},
		OnCallEnded: func(ended models.CallEnded) {
			log.Info().Str("room", ended.RoomID).Msg("call ended by peer")
			if c := currentCall(); c != nil && c.RoomID() == ended.RoomID {
				c.End()
				setCall(nil)
			}
		},
		OnError: func(e models.ErrorEvent) {
			log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("server error event")
		},
	}

	if *callPeer != "" {
		// Ring the peer; the call itself starts once callAccepted comes
		// back with the room id.
		if err := socket.StartCall(models.StartCallRequest{
			Receiver:      *callPeer,
			AppointmentID: *appointment,
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to start call")
		}
		log.Info().Str("peer", *callPeer).Str("appointment", *appointment).Msg("ringing")
	}

	if err := socket.Listen(ctx, handlers); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("connection lost")
	}
	if c := currentCall(); c != nil {
		c.End()
	}
}
