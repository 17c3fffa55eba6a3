package coordinate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/golang/glog"
)

type apiContextKey string

const apiIdentityKey apiContextKey = "identity"

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorBody struct {
	Error *apiError `json:"error"`
}

func writeApiError(w http.ResponseWriter, statusCode int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(&apiErrorBody{
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func writeApiJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

// maps the error taxonomy onto http statuses
func writeApiErrorFor(w http.ResponseWriter, err error) {
	var authErr *AuthenticationError
	var authzErr *AuthorizationError
	var notFound *NotFoundError
	var validation *ValidationError
	var persistence *PersistenceError
	switch {
	case errors.As(err, &authErr):
		writeApiError(w, http.StatusUnauthorized, authErr.Reason, authErr.Message)
	case errors.As(err, &authzErr):
		writeApiError(w, http.StatusForbidden, "forbidden", authzErr.Error())
	case errors.As(err, &notFound):
		writeApiError(w, http.StatusNotFound, "not-found", notFound.Error())
	case errors.As(err, &validation):
		writeApiError(w, http.StatusBadRequest, "invalid", validation.Error())
	case errors.As(err, &persistence):
		writeApiError(w, http.StatusBadGateway, "store-unavailable", persistence.Error())
	default:
		writeApiError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// admin/document surface. the websocket endpoint is registered
// separately because its credential travels in-band.
type ApiRouter struct {
	ctx context.Context

	store    DocumentStore
	provider IdentityProvider
}

func NewApiRouter(ctx context.Context, store DocumentStore, provider IdentityProvider, host *SessionHost) *mux.Router {
	api := &ApiRouter{
		ctx:      ctx,
		store:    store,
		provider: provider,
	}

	router := mux.NewRouter()
	router.HandleFunc("/status", api.status).Methods("GET")
	if host != nil {
		router.HandleFunc("/ws", host.HandleConnection)
	}

	documents := router.PathPrefix("/documents").Subrouter()
	documents.Use(api.requireIdentity)
	documents.HandleFunc("", api.createDocument).Methods("POST")
	documents.HandleFunc("", api.listDocuments).Methods("GET")
	documents.HandleFunc("/{documentId}", api.getDocument).Methods("GET")
	documents.HandleFunc("/{documentId}", api.updateDocument).Methods("PUT")
	documents.HandleFunc("/{documentId}", api.deleteDocument).Methods("DELETE")
	documents.HandleFunc("/{documentId}/changes", api.listChanges).Methods("GET")
	documents.HandleFunc("/{documentId}/changes", api.appendChange).Methods("POST")
	documents.HandleFunc("/{documentId}/head", api.updateHead).Methods("PUT")

	return router
}

// requests carry `Authorization: Bearer <token>`.
// missing or invalid tokens get a 401 with an enumerated reason.
func (self *ApiRouter) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeApiError(w, http.StatusUnauthorized, AuthReasonInvalidToken, "missing bearer token")
			return
		}

		identity, err := self.provider.VerifyToken(r.Context(), token)
		if err != nil {
			reason := AuthReasonFailed
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				reason = authErr.Reason
			}
			glog.V(2).Infof("[api]401 %s\n", reason)
			writeApiError(w, http.StatusUnauthorized, reason, "token rejected")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiIdentityKey, identity)))
	})
}

func apiIdentity(r *http.Request) *Identity {
	identity, _ := r.Context().Value(apiIdentityKey).(*Identity)
	return identity
}

type StatusResult struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (self *ApiRouter) status(w http.ResponseWriter, r *http.Request) {
	writeApiJson(w, &StatusResult{
		Status: "ok",
		Time:   time.Now(),
	})
}

type CreateDocumentArgs struct {
	Name          string   `json:"name,omitempty"`
	Collaborators []string `json:"collaborators,omitempty"`
}

func (self *ApiRouter) createDocument(w http.ResponseWriter, r *http.Request) {
	identity := apiIdentity(r)

	var args CreateDocumentArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeApiErrorFor(w, &ValidationError{Message: "bad request body"})
		return
	}

	document, err := self.store.CreateDocument(r.Context(), &Document{
		Name:          args.Name,
		CreatorId:     identity.UserId,
		Collaborators: args.Collaborators,
	})
	if err != nil {
		writeApiErrorFor(w, err)
		return
	}
	glog.V(2).Infof("[api]create %s by %s\n", document.DocumentId, identity.UserId)
	writeApiJson(w, document)
}

func (self *ApiRouter) listDocuments(w http.ResponseWriter, r *http.Request) {
	identity := apiIdentity(r)

	documents, err := self.store.ListDocuments(r.Context(), identity.UserId)
	if err != nil {
		writeApiErrorFor(w, err)
		return
	}
	writeApiJson(w, documents)
}

// loads the document and enforces creator-or-collaborator access
func (self *ApiRouter) authorizedDocument(w http.ResponseWriter, r *http.Request) *Document {
	identity := apiIdentity(r)
	documentId := mux.Vars(r)["documentId"]

	document, err := self.store.GetDocument(r.Context(), documentId)
	if err != nil {
		writeApiErrorFor(w, err)
		return nil
	}
	if !document.CanAccess(identity.UserId) {
		writeApiErrorFor(w, &AuthorizationError{DocumentId: documentId, UserId: identity.UserId})
		return nil
	}
	return document
}

func (self *ApiRouter) getDocument(w http.ResponseWriter, r *http.Request) {
	document := self.authorizedDocument(w, r)
	if document == nil {
		return
	}
	writeApiJson(w, document)
}

type UpdateDocumentArgs struct {
	Name          string   `json:"name,omitempty"`
	Collaborators []string `json:"collaborators,omitempty"`
}

func (self *ApiRouter) updateDocument(w http.ResponseWriter, r *http.Request) {
	identity := apiIdentity(r)

	document := self.authorizedDocument(w, r)
	if document == nil {
		return
	}
	// only the creator can change the collaborator list
	if document.CreatorId != identity.UserId {
		writeApiErrorFor(w, &AuthorizationError{DocumentId: document.DocumentId, UserId: identity.UserId})
		return
	}

	var args UpdateDocumentArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeApiErrorFor(w, &ValidationError{Message: "bad request body"})
		return
	}

	document.Name = args.Name
	document.Collaborators = args.Collaborators
	if err := self.store.UpdateDocument(r.Context(), document); err != nil {
		writeApiErrorFor(w, err)
		return
	}
	writeApiJson(w, document)
}

func (self *ApiRouter) deleteDocument(w http.ResponseWriter, r *http.Request) {
	identity := apiIdentity(r)

	document := self.authorizedDocument(w, r)
	if document == nil {
		return
	}
	if document.CreatorId != identity.UserId {
		writeApiErrorFor(w, &AuthorizationError{DocumentId: document.DocumentId, UserId: identity.UserId})
		return
	}

	if err := self.store.DeleteDocument(r.Context(), document.DocumentId); err != nil {
		writeApiErrorFor(w, err)
		return
	}
	writeApiJson(w, &struct{}{})
}

func (self *ApiRouter) listChanges(w http.ResponseWriter, r *http.Request) {
	document := self.authorizedDocument(w, r)
	if document == nil {
		return
	}

	var sinceVersion int64
	if since := r.URL.Query().Get("since"); since != "" {
		parsed, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeApiErrorFor(w, &ValidationError{Message: "bad since version"})
			return
		}
		sinceVersion = parsed
	}

	changes, err := self.store.ListChanges(r.Context(), document.DocumentId, sinceVersion)
	if err != nil {
		writeApiErrorFor(w, err)
		return
	}
	writeApiJson(w, changes)
}

// raw change-log append, used when this process fronts the store for
// remote coordinators. connected clients go through the change
// pipeline instead.
func (self *ApiRouter) appendChange(w http.ResponseWriter, r *http.Request) {
	document := self.authorizedDocument(w, r)
	if document == nil {
		return
	}

	var change Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		writeApiErrorFor(w, &ValidationError{Message: "bad request body"})
		return
	}
	if change.TopicId == "" || !ValidChangeType(change.ChangeType) {
		writeApiErrorFor(w, &ValidationError{Message: "bad change payload"})
		return
	}

	changeId, err := self.store.AppendChange(r.Context(), document.DocumentId, &change)
	if err != nil {
		writeApiErrorFor(w, err)
		return
	}
	writeApiJson(w, &AppendChangeResult{ChangeId: changeId})
}

func (self *ApiRouter) updateHead(w http.ResponseWriter, r *http.Request) {
	document := self.authorizedDocument(w, r)
	if document == nil {
		return
	}

	var args UpdateHeadArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeApiErrorFor(w, &ValidationError{Message: "bad request body"})
		return
	}

	if err := self.store.UpdateHead(r.Context(), document.DocumentId, args.Version, args.LastModified); err != nil {
		writeApiErrorFor(w, err)
		return
	}
	writeApiJson(w, &DocumentHead{
		DocumentId:   document.DocumentId,
		Version:      args.Version,
		LastModified: args.LastModified,
	})
}
