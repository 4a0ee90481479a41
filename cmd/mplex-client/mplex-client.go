package main

import (
	"flag"
	"fmt"
	"net"

	"github.com/cbeuw/go-mplex/internal/common"
	"github.com/cbeuw/go-mplex/libmplex"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var version string

var dialer common.Dialer = &net.Dialer{}

// dialTransport establishes the one underlying connection all streams will
// share.
func dialTransport(transport, remoteAddr string) (net.Conn, error) {
	switch transport {
	case "tcp":
		return dialer.Dial("tcp", remoteAddr)
	case "ws":
		c, _, err := websocket.DefaultDialer.Dial("ws://"+remoteAddr+"/", nil)
		if err != nil {
			return nil, err
		}
		return &common.WebSocketConn{Conn: c}, nil
	default:
		return nil, fmt.Errorf("unknown transport %v", transport)
	}
}

func main() {
	var localHost string
	var localPort string
	var remoteAddr string
	var transport string

	flag.StringVar(&localHost, "i", "127.0.0.1", "localHost: listen for local clients on this ip")
	flag.StringVar(&localPort, "l", "1984", "localPort: listen for local clients on this port")
	flag.StringVar(&remoteAddr, "r", "", "remoteAddr: host:port of the mplex server")
	flag.StringVar(&transport, "t", "tcp", "transport: tcp or ws")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Parse()

	if *askVersion {
		fmt.Printf("mplex-client %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}
	if remoteAddr == "" {
		log.Fatal("remoteAddr must be set")
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	log.Infof("Connecting to %v over %v", remoteAddr, transport)
	remoteConn, err := dialTransport(transport, remoteAddr)
	if err != nil {
		log.Fatalf("Failed to connect to remote: %v", err)
	}

	endpoint, err := libmplex.New(remoteConn, libmplex.Config{Label: remoteAddr})
	if err != nil {
		log.Fatal(err)
	}

	listener, err := net.Listen("tcp", localHost+":"+localPort)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Listening on %v", listener.Addr())

	for {
		localConn, err := listener.Accept()
		if err != nil {
			log.Fatal(err)
		}
		go func(localConn net.Conn) {
			stream, err := endpoint.OpenStream(localConn.RemoteAddr().String())
			if err != nil {
				log.Errorf("Failed to open stream: %v", err)
				localConn.Close()
				if endpoint.IsClosed() {
					log.Fatal("Connection to remote has died")
				}
				return
			}
			go common.Copy(localConn, stream, 0)
			common.Copy(stream, localConn, 0)
		}(localConn)
	}
}
