package server

import (
	"context"
	"net/http"

	"wg-tunneld/models"

	"github.com/gin-gonic/gin"
)

type importResponse struct {
	Interface *models.Interface `json:"interface"`
	Peers     []*models.Peer    `json:"peers"`
}

func (s *Server) listInterfaces(c *gin.Context) {
	ifaces, err := s.proc.ListInterfaces(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if ifaces == nil {
		ifaces = []*models.Interface{}
	}
	respond(c, http.StatusOK, ifaces)
}

func (s *Server) createInterface(c *gin.Context) {
	var req models.CreateInterfaceRequest
	if !bindJSON(c, &req) {
		return
	}
	it, err := s.proc.CreateInterface(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, it)
}

func (s *Server) importInterface(c *gin.Context) {
	var req models.ImportInterfaceRequest
	if !bindJSON(c, &req) {
		return
	}
	it, peers, err := s.proc.ImportInterface(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	if peers == nil {
		peers = []*models.Peer{}
	}
	respond(c, http.StatusCreated, importResponse{Interface: it, Peers: peers})
}

func (s *Server) getInterface(c *gin.Context) {
	it, err := s.proc.GetInterface(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, it)
}

func (s *Server) updateInterface(c *gin.Context) {
	var req models.UpdateInterfaceRequest
	if !bindJSON(c, &req) {
		return
	}
	it, err := s.proc.UpdateInterface(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, it)
}

func (s *Server) deleteInterface(c *gin.Context) {
	id := c.Param("id")
	if err := s.proc.DeleteInterface(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"id": id})
}

type lifecycleOp func(ctx context.Context, id string) (*models.Interface, error)

func lifecycle(op lifecycleOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		it, err := op(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, it)
	}
}

func (s *Server) interfaceConfig(c *gin.Context) {
	it, err := s.proc.GetInterface(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	text, err := s.proc.RenderInterfaceConfig(c.Request.Context(), it.ID)
	if err != nil {
		fail(c, err)
		return
	}
	writeConfig(c, it.Name, text, false)
}

func (s *Server) snapshot(c *gin.Context) {
	respond(c, http.StatusOK, s.status.Snapshot())
}
