package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/topicmap/coordinate/coordinate"
)

const CoordinateCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Coordinate control.

The default urls are:
    api_url: http://localhost:8080
    connect_url: ws://localhost:8080/ws

Usage:
    coordinatectl token --user=<user_id>
        [--name=<name>]
        [--avatar=<avatar>]
        [--secret=<secret>]
        [--expires=<expires>]
    coordinatectl inspect-token <token>
    coordinatectl create-document [--api_url=<api_url>] --jwt=<jwt>
        --doc_name=<doc_name>
        [--collaborator=<user_id>...]
    coordinatectl documents [--api_url=<api_url>] --jwt=<jwt>
    coordinatectl tail [--connect_url=<connect_url>] --jwt=<jwt>
        --document=<document_id>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --user=<user_id>             User id for the minted token.
    --name=<name>                Display name claim.
    --avatar=<avatar>            Avatar reference claim.
    --secret=<secret>            Hmac secret. Prompted when omitted.
    --expires=<expires>          Token lifetime [default: 24h].
    --jwt=<jwt>                  Your bearer token.
    --doc_name=<doc_name>        Document name.
    --collaborator=<user_id>     Collaborator user id. Repeatable.
    --document=<document_id>     Document to join.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoordinateCtlVersion)
	if err != nil {
		panic(err)
	}

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if inspectToken_, _ := opts.Bool("inspect-token"); inspectToken_ {
		inspectToken(opts)
	} else if createDocument_, _ := opts.Bool("create-document"); createDocument_ {
		createDocument(opts)
	} else if documents_, _ := opts.Bool("documents"); documents_ {
		documents(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if url, err := opts.String("--api_url"); err == nil && url != "" {
		return url
	}
	return "http://localhost:8080"
}

func connectUrl(opts docopt.Opts) string {
	if url, err := opts.String("--connect_url"); err == nil && url != "" {
		return url
	}
	return "ws://localhost:8080/ws"
}

func readSecret(opts docopt.Opts) []byte {
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		return []byte(secret)
	}
	fmt.Fprint(os.Stderr, "secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("read secret = %s", err)
	}
	return secret
}

func token(opts docopt.Opts) {
	userId, _ := opts.String("--user")
	displayName, _ := opts.String("--name")
	avatarRef, _ := opts.String("--avatar")
	expiresStr, _ := opts.String("--expires")
	expires, err := time.ParseDuration(expiresStr)
	if err != nil {
		Err.Fatalf("bad --expires = %s", err)
	}

	provider, err := coordinate.NewJwtIdentityProvider(readSecret(opts))
	if err != nil {
		Err.Fatalf("provider = %s", err)
	}
	signed, err := provider.MintToken(
		&coordinate.Identity{
			UserId:      userId,
			DisplayName: displayName,
			AvatarRef:   avatarRef,
		},
		expires,
	)
	if err != nil {
		Err.Fatalf("mint = %s", err)
	}
	Out.Println(signed)
}

func inspectToken(opts docopt.Opts) {
	tokenStr, _ := opts.String("<token>")

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		Err.Fatalf("parse = %s", err)
	}
	claims := parsed.Claims.(gojwt.MapClaims)
	claimsJson, err := json.MarshalIndent(claims, "", "    ")
	if err != nil {
		Err.Fatalf("encode = %s", err)
	}
	Out.Println(string(claimsJson))
}

func createDocument(opts docopt.Opts) {
	byJwt, _ := opts.String("--jwt")
	docName, _ := opts.String("--doc_name")
	collaborators, _ := opts["--collaborator"].([]string)

	store := coordinate.NewApiDocumentStore(context.Background(), apiUrl(opts))
	defer store.Close()
	store.SetByJwt(byJwt)

	callback, channel := coordinate.NewBlockingApiCallback[*coordinate.Document]()
	store.CreateDocumentWithCallback(
		&coordinate.Document{
			Name:          docName,
			Collaborators: collaborators,
		},
		callback,
	)
	result := <-channel
	if result.Error != nil {
		Err.Fatalf("create = %s", result.Error)
	}
	Out.Printf("%s", result.Result.DocumentId)
}

func documents(opts docopt.Opts) {
	byJwt, _ := opts.String("--jwt")

	store := coordinate.NewApiDocumentStore(context.Background(), apiUrl(opts))
	defer store.Close()
	store.SetByJwt(byJwt)

	listed, err := store.ListDocuments(context.Background(), "")
	if err != nil {
		Err.Fatalf("list = %s", err)
	}
	for _, document := range listed {
		Out.Printf("%s v%d %s", document.DocumentId, document.Version, document.Name)
	}
}

// joins the room and prints every event until interrupted
func tail(opts docopt.Opts) {
	byJwt, _ := opts.String("--jwt")
	documentId, _ := opts.String("--document")

	ws, _, err := websocket.DefaultDialer.Dial(connectUrl(opts), nil)
	if err != nil {
		Err.Fatalf("dial = %s", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(&coordinate.ClientMessage{
		Type:       coordinate.MessageTypeAuth,
		Credential: byJwt,
	}); err != nil {
		Err.Fatalf("auth = %s", err)
	}
	if err := ws.WriteJSON(&coordinate.ClientMessage{
		Type:       coordinate.MessageTypeJoin,
		DocumentId: documentId,
	}); err != nil {
		Err.Fatalf("join = %s", err)
	}

	for {
		var message coordinate.ServerMessage
		if err := ws.ReadJSON(&message); err != nil {
			if strings.Contains(err.Error(), "close") {
				return
			}
			Err.Fatalf("read = %s", err)
		}
		messageJson, _ := json.Marshal(&message)
		Out.Println(string(messageJson))
	}
}
