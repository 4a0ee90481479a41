package libmplex

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
)

func makeEndpointPair(t *testing.T, aConf, bConf Config) (*Endpoint, *Endpoint) {
	t.Helper()
	c, s := connutil.AsyncPipe()
	a, err := New(c, aConf)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(s, bConf)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestEndpoint_Echo(t *testing.T) {
	a, b := makeEndpointPair(t, Config{}, Config{})
	defer a.Close()
	defer b.Close()

	go func() {
		for {
			stream, err := b.Accept()
			if err != nil {
				return
			}
			go io.Copy(stream, stream)
		}
	}()

	stream, err := a.OpenStream("echo")
	assert.NoError(t, err)

	testData := []byte("through the looking glass")
	_, err = stream.Write(testData)
	assert.NoError(t, err)

	recvBuf := make([]byte, len(testData))
	_, err = io.ReadFull(stream, recvBuf)
	assert.NoError(t, err)
	assert.Equal(t, testData, recvBuf)
}

func TestEndpoint_Streams(t *testing.T) {
	a, b := makeEndpointPair(t, Config{}, Config{})
	defer a.Close()
	defer b.Close()

	_, err := a.OpenStream("inspect me")
	assert.NoError(t, err)

	infos := a.Streams()
	assert.Equal(t, 1, len(infos))
	assert.Equal(t, "i0", infos[0].ID)
	assert.Equal(t, "inspect me", infos[0].Name)
	assert.False(t, infos[0].Opened.IsZero())
	assert.Equal(t, 1, a.NumStreams())
}

func TestEndpoint_Callbacks(t *testing.T) {
	incoming := make(chan net.Conn, 1)
	a, b := makeEndpointPair(t, Config{}, Config{
		OnIncomingStream: func(stream net.Conn) { incoming <- stream },
	})
	defer a.Close()
	defer b.Close()

	aStream, err := a.OpenStream("cb")
	assert.NoError(t, err)
	_, err = aStream.Write([]byte("hi"))
	assert.NoError(t, err)

	select {
	case stream := <-incoming:
		recvBuf := make([]byte, 2)
		_, err := io.ReadFull(stream, recvBuf)
		assert.NoError(t, err)
		assert.Equal(t, []byte("hi"), recvBuf)
	case <-time.After(time.Second):
		t.Fatal("OnIncomingStream did not fire")
	}
}

func TestEndpoint_Close(t *testing.T) {
	a, b := makeEndpointPair(t, Config{}, Config{})
	defer b.Close()

	assert.False(t, a.IsClosed())
	assert.NoError(t, a.Close())
	assert.True(t, a.IsClosed())

	_, err := a.OpenStream("")
	assert.Error(t, err)
}
