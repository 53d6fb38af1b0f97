package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/filipepacheco/the-jam-app-livesync/livesync"
)

const SyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Jam session live sync control.

Usage:
    syncctl watch --api_url=<api_url> --connect_url=<connect_url>
        --jwt=<jwt>
        [--poll_interval=<poll_interval>]
        [--queue_store=<queue_store>]
        <session_id>
    syncctl send --api_url=<api_url> --jwt=<jwt>
        --kind=<kind>
        <session_id> [<payload>]
    syncctl queue list --queue_store=<queue_store>
    syncctl queue clear --queue_store=<queue_store>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>              REST base url.
    --connect_url=<connect_url>      Push channel url (ws or wss).
    --jwt=<jwt>                      Your session JWT.
    --kind=<kind>                    Action kind, e.g. register-song.
    --poll_interval=<poll_interval>  Polling interval in ms [default: 5000].
    --queue_store=<queue_store>      Path to the sqlite offline queue.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if queue_, _ := opts.Bool("queue"); queue_ {
		if list_, _ := opts.Bool("list"); list_ {
			queueList(opts)
		} else if clear_, _ := opts.Bool("clear"); clear_ {
			queueClear(opts)
		}
	}
}

// subscribe to a session and print every status transition
func watch(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	connectUrl, _ := opts.String("--connect_url")
	jwt, _ := opts.String("--jwt")
	sessionIdStr, _ := opts.String("<session_id>")
	pollIntervalMs, _ := opts.Int("--poll_interval")

	sessionId, err := livesync.ParseId(sessionIdStr)
	if err != nil {
		fmt.Printf("Invalid session_id (%s).\n", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if token, err := livesync.ParseSessionTokenUnverified(jwt); err == nil {
		Out.Printf("watching as member %s", token.MemberId)
	}

	registry := livesync.NewHandleRegistryWithDefaults(cancelCtx)
	handle, release := registry.Acquire(connectUrl)
	defer release()
	handle.SetToken(jwt)

	api := livesync.NewSessionApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(jwt)

	queue, err := openQueue(opts)
	if err != nil {
		Err.Printf("open queue: %s", err)
		return
	}

	settings := livesync.DefaultSyncControllerSettings()
	settings.PollInterval = time.Duration(pollIntervalMs) * time.Millisecond

	controller := livesync.NewSyncController(cancelCtx, handle, api, queue, settings)
	defer controller.Close()

	unsubscribe := controller.Subscribe(sessionId, func(status *livesync.SyncStatus) {
		line := fmt.Sprintf("[%s connected=%t]", status.TransportMode, status.IsConnected)
		if status.LastError != nil {
			line += fmt.Sprintf(" error=%s", status.LastError)
		}
		if snapshot := status.Snapshot; snapshot != nil {
			line += fmt.Sprintf(" status=%s participants=%d", snapshot.Status, len(snapshot.ParticipantIds))
			if snapshot.CurrentSongId != nil {
				line += fmt.Sprintf(" current=%s", snapshot.CurrentSongId)
			}
			if snapshot.NextSongId != nil {
				line += fmt.Sprintf(" next=%s", snapshot.NextSongId)
			}
		}
		if change := status.LastChange; change != nil {
			if 0 < len(change.ParticipantsAdded) {
				line += fmt.Sprintf(" +%d", len(change.ParticipantsAdded))
			}
			if 0 < len(change.ParticipantsRemoved) {
				line += fmt.Sprintf(" -%d", len(change.ParticipantsRemoved))
			}
		}
		Out.Printf("%s", line)
	})
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// fire one action through the REST collaborator
func send(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	jwt, _ := opts.String("--jwt")
	kind, _ := opts.String("--kind")
	sessionIdStr, _ := opts.String("<session_id>")
	payloadStr, _ := opts.String("<payload>")

	sessionId, err := livesync.ParseId(sessionIdStr)
	if err != nil {
		fmt.Printf("Invalid session_id (%s).\n", err)
		return
	}

	api := livesync.NewSessionApi(apiUrl)
	api.SetByJwt(jwt)

	var payload json.RawMessage
	if payloadStr != "" {
		payload = json.RawMessage(payloadStr)
	}

	result, err := api.SessionActionSync(&livesync.SessionActionArgs{
		SessionId: sessionId,
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		Err.Printf("send: %s", err)
		return
	}
	if result.Error != nil {
		Err.Printf("send rejected: %s", result.Error.Message)
		return
	}
	Out.Printf("accepted=%t", result.Accepted)
}

func queueList(opts docopt.Opts) {
	queue, err := openQueue(opts)
	if err != nil {
		Err.Printf("open queue: %s", err)
		return
	}
	if queue == nil {
		Err.Printf("--queue_store is required")
		return
	}
	for _, action := range queue.DequeueAll() {
		Out.Printf("%s %s priority=%d created=%s", action.ActionId, action.Kind, action.Priority, action.CreatedAt.Format(time.RFC3339))
	}
}

func queueClear(opts docopt.Opts) {
	queue, err := openQueue(opts)
	if err != nil {
		Err.Printf("open queue: %s", err)
		return
	}
	if queue == nil {
		Err.Printf("--queue_store is required")
		return
	}
	if err := queue.ClearAll(); err != nil {
		Err.Printf("clear queue: %s", err)
	}
}

func openQueue(opts docopt.Opts) (*livesync.OfflineActionQueue, error) {
	path, _ := opts.String("--queue_store")
	if path == "" {
		return nil, nil
	}
	store, err := livesync.NewSqliteQueueStore(path)
	if err != nil {
		return nil, err
	}
	return livesync.NewOfflineActionQueue(store)
}
