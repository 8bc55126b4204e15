package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"wg-tunneld/models"

	"github.com/gin-gonic/gin"
	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"
)

const (
	formatJSON = "json"
	formatText = "text"
	formatQR   = "qr"
)

type addPeerResponse struct {
	Peer *models.Peer `json:"peer"`
	// PrivateKey is only present when the service generated the keypair.
	PrivateKey models.Key `json:"private_key,omitempty"`
}

type configResponse struct {
	Config string `json:"config"`
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func (s *Server) listPeers(c *gin.Context) {
	peers, err := s.proc.ListPeers(c.Request.Context(), c.Query("interface_id"))
	if err != nil {
		fail(c, err)
		return
	}
	if peers == nil {
		peers = []*models.Peer{}
	}
	respond(c, http.StatusOK, peers)
}

func (s *Server) addPeer(c *gin.Context) {
	var req models.CreatePeerRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.proc.AddPeer(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, addPeerResponse{Peer: res.Peer, PrivateKey: res.PrivateKey})
}

func (s *Server) getPeer(c *gin.Context) {
	p, err := s.proc.GetPeer(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (s *Server) updatePeer(c *gin.Context) {
	var req models.UpdatePeerRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := s.proc.UpdatePeer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (s *Server) removePeer(c *gin.Context) {
	id := c.Param("id")
	if err := s.proc.RemovePeer(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"id": id})
}

func (s *Server) peerStatus(c *gin.Context) {
	st, err := s.proc.GetPeerStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (s *Server) clientConfig(c *gin.Context) {
	p, err := s.proc.GetPeer(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	text, err := s.proc.RenderClientConfig(c.Request.Context(), p.ID)
	if err != nil {
		fail(c, err)
		return
	}
	writeConfig(c, p.Name, text, true)
}

// writeConfig answers with a rendered wg-quick file in the format asked for
// by the format query parameter.
func writeConfig(c *gin.Context, name, text string, allowQR bool) {
	switch format := c.DefaultQuery("format", formatJSON); {
	case format == formatJSON:
		respond(c, http.StatusOK, configResponse{Config: text})
	case format == formatText:
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".conf"))
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
	case format == formatQR && allowQR:
		png, err := qrPNG(text)
		if err != nil {
			fail(c, fmt.Errorf("encoding qr code: %w", err))
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	default:
		fail(c, models.Invalid("format", "unsupported format %q", format))
	}
}

func qrPNG(text string) ([]byte, error) {
	qrc, err := qrcode.NewWith(text, qrcode.WithErrorCorrectionLevel(qrcode.ErrorCorrectionMedium))
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	w := standard.NewWithWriter(nopCloser{buf},
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
		standard.WithQRWidth(8),
	)
	if err := qrc.Save(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
