package server

import (
	"encoding/json"
	"net/http"
	"time"

	gmux "github.com/gorilla/mux"
)

// APIRouter serves the admin inspection API over the connection table and
// the traffic ledger.
type APIRouter struct {
	*gmux.Router
	table  *ConnTable
	ledger *TrafficLedger
}

func APIRouterOf(table *ConnTable, ledger *TrafficLedger) *APIRouter {
	ret := &APIRouter{
		table:  table,
		ledger: ledger,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/connections", ar.listConnsHlr).Methods("GET")
	ar.HandleFunc("/admin/connections/{tag}", ar.getConnInfoHlr).Methods("GET")
	ar.HandleFunc("/admin/connections/{tag}", ar.closeConnHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

type connSummary struct {
	Tag        string `json:"tag"`
	NumStreams int    `json:"numStreams"`
}

type streamInfo struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Opened time.Time `json:"opened"`
}

type connInfo struct {
	Tag     string       `json:"tag"`
	Streams []streamInfo `json:"streams"`
	Rx      int64        `json:"rx"`
	Tx      int64        `json:"tx"`
}

func (ar *APIRouter) listConnsHlr(w http.ResponseWriter, r *http.Request) {
	var summaries []connSummary
	for _, tag := range ar.table.Tags() {
		session := ar.table.Get(tag)
		if session == nil {
			continue
		}
		summaries = append(summaries, connSummary{Tag: tag, NumStreams: session.NumStreams()})
	}
	resp, err := json.Marshal(summaries)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(resp)
}

func (ar *APIRouter) getConnInfoHlr(w http.ResponseWriter, r *http.Request) {
	tag := gmux.Vars(r)["tag"]
	session := ar.table.Get(tag)
	if session == nil {
		http.Error(w, ErrConnNotFound.Error(), http.StatusNotFound)
		return
	}

	info := connInfo{Tag: tag}
	for _, stream := range session.Streams() {
		info.Streams = append(info.Streams, streamInfo{
			ID:     stream.ID(),
			Name:   stream.Name(),
			Opened: stream.OpenTime(),
		})
	}
	if ar.ledger != nil {
		// totals are best effort; a connection that hasn't been collected
		// yet simply reports zero
		rx, tx, err := ar.ledger.Get(tag)
		if err == nil {
			info.Rx = rx
			info.Tx = tx
		}
	}
	resp, err := json.Marshal(info)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(resp)
}

func (ar *APIRouter) closeConnHlr(w http.ResponseWriter, r *http.Request) {
	tag := gmux.Vars(r)["tag"]
	session := ar.table.Get(tag)
	if session == nil {
		http.Error(w, ErrConnNotFound.Error(), http.StatusNotFound)
		return
	}
	_ = session.Close(nil)
	ar.table.Remove(tag)
	w.WriteHeader(http.StatusOK)
}
