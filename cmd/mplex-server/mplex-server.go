package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cbeuw/go-mplex/internal/common"
	mux "github.com/cbeuw/go-mplex/internal/multiplex"
	"github.com/cbeuw/go-mplex/internal/server"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var version string

const collectInterval = 10 * time.Second

type proxyServer struct {
	forwardAddr string
	table       *server.ConnTable
	ledger      *server.TrafficLedger
}

// handleConn multiplexes one transport connection and relays each inbound
// stream to the forward address.
func (ps *proxyServer) handleConn(conn net.Conn) {
	tag := conn.RemoteAddr().String()
	valve := mux.MakeValve(1<<63-1, 1<<63-1)
	session := mux.MakeMultiplexer(conn, mux.MultiplexerConfig{
		Valve: valve,
		Label: tag,
	})
	ps.table.Add(tag, session)
	log.Infof("New connection from %v", tag)

	if ps.ledger != nil {
		go func() {
			for !session.IsClosed() {
				time.Sleep(collectInterval)
				if err := ps.ledger.Collect(tag, valve); err != nil {
					log.Errorf("Failed to record usage for %v: %v", tag, err)
				}
			}
		}()
	}

	for {
		stream, err := session.Accept()
		if err != nil {
			break
		}
		go func(stream net.Conn) {
			forwardConn, err := net.Dial("tcp", ps.forwardAddr)
			if err != nil {
				log.Errorf("Failed to dial forward address: %v", err)
				stream.Close()
				return
			}
			go common.Copy(forwardConn, stream, 0)
			common.Copy(stream, forwardConn, 0)
		}(stream)
	}

	if terminal := session.TerminalError(); terminal != nil {
		log.Warnf("Connection from %v ended: %v", tag, terminal)
	} else {
		log.Infof("Connection from %v ended", tag)
	}
	if ps.ledger != nil {
		_ = ps.ledger.Collect(tag, valve)
	}
	ps.table.Remove(tag)
}

func (ps *proxyServer) serveTCP(listenAddr string) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Listening on tcp %v", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatal(err)
		}
		go ps.handleConn(conn)
	}
}

func (ps *proxyServer) serveWebSocket(listenAddr string) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("Failed to upgrade websocket connection: %v", err)
			return
		}
		ps.handleConn(&common.WebSocketConn{Conn: c})
	})
	log.Infof("Listening on ws %v", listenAddr)
	log.Fatal(http.ListenAndServe(listenAddr, handler))
}

func main() {
	var listenAddr string
	var forwardAddr string
	var transport string
	var adminAddr string
	var dbPath string

	flag.StringVar(&listenAddr, "l", ":1984", "listenAddr: accept multiplexed connections here")
	flag.StringVar(&forwardAddr, "f", "", "forwardAddr: host:port each stream is relayed to")
	flag.StringVar(&transport, "t", "tcp", "transport: tcp or ws")
	flag.StringVar(&adminAddr, "admin", "", "adminAddr: serve the admin api here, empty to disable")
	flag.StringVar(&dbPath, "db", "", "db: path to the traffic ledger, empty to disable usage recording")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Parse()

	if *askVersion {
		fmt.Printf("mplex-server %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}
	if forwardAddr == "" {
		log.Fatal("forwardAddr must be set")
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	ps := &proxyServer{
		forwardAddr: forwardAddr,
		table:       server.MakeConnTable(),
	}
	if dbPath != "" {
		ledger, err := server.MakeTrafficLedger(dbPath)
		if err != nil {
			log.Fatalf("Failed to open traffic ledger: %v", err)
		}
		ps.ledger = ledger
	}

	if adminAddr != "" {
		router := server.APIRouterOf(ps.table, ps.ledger)
		go func() {
			log.Infof("Admin api on %v", adminAddr)
			log.Fatal(http.ListenAndServe(adminAddr, router))
		}()
	}

	switch transport {
	case "tcp":
		ps.serveTCP(listenAddr)
	case "ws":
		ps.serveWebSocket(listenAddr)
	default:
		log.Fatalf("unknown transport %v", transport)
	}
}
