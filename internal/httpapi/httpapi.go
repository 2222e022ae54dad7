// Package httpapi exposes the three serial drivers and the acquiring
// subprocess wrapper as a small JSON HTTP surface, the way
// guiperry/hasher wires gin routes directly onto its collaborators
// instead of a global app singleton.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/alex-eri/atm-drivers/internal/sber"
	"github.com/alex-eri/atm-drivers/pkg/ccnet"
	"github.com/alex-eri/atm-drivers/pkg/cctalk"
	"github.com/alex-eri/atm-drivers/pkg/lcdm"
)

// statusUnreachable is the non-standard HTTP status the original
// service returns for a cancelled request or an offline driver.
const statusUnreachable = 523

// getBillTimeout bounds how long /atm/ccnet/get_bill waits for a bill
// to land in escrow before giving up.
const getBillTimeout = 30 * time.Second

// Server wires the three driver instances and the acquiring subprocess
// into a gin.Engine, taking them as explicit constructor dependencies
// rather than attaching them to package-level state.
type Server struct {
	log *logrus.Entry

	validator  *ccnet.Validator
	cctalkHost *cctalk.Host
	cctalkAddr byte
	dispenser  *lcdm.Dispenser
	pilot      *sber.Pilot

	engine *gin.Engine
}

// New builds a Server with its routes registered. Any of validator,
// cctalkHost, dispenser, or pilot may be nil; routes for a nil
// collaborator answer 523 unconditionally.
func New(validator *ccnet.Validator, cctalkHost *cctalk.Host, cctalkAddr byte, dispenser *lcdm.Dispenser, pilot *sber.Pilot, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		log:        log.WithField("component", "httpapi"),
		validator:  validator,
		cctalkHost: cctalkHost,
		cctalkAddr: cctalkAddr,
		dispenser:  dispenser,
		pilot:      pilot,
		engine:     gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the underlying gin.Engine for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.POST("/atm/ccnet/status", s.ccnetStatus)
	s.engine.POST("/atm/ccnet/enable", s.ccnetEnable)
	s.engine.POST("/atm/ccnet/disable", s.ccnetDisable)
	s.engine.POST("/atm/ccnet/get_bill", s.ccnetGetBill)

	s.engine.POST("/atm/cctalk/status", s.cctalkStatus)
	s.engine.POST("/atm/cctalk/enable", s.cctalkEnable)
	s.engine.POST("/atm/cctalk/disable", s.cctalkDisable)
	s.engine.POST("/atm/cctalk/stack_one", s.cctalkStackOne)

	s.engine.POST("/atm/lcdm/dispense", s.lcdmDispense)

	s.engine.POST("/atm/sber/acquiring", s.sberAcquiring)
	s.engine.POST("/atm/sber/sync", s.sberSync)
	s.engine.POST("/atm/sber/run", s.sberRun)
}

// writeErr answers 523 for a cancelled context or a not-connected
// driver, per spec.md §6; anything else is a 500.
func (s *Server) writeErr(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ccnet.ErrNotConnected) || errors.Is(err, cctalk.ErrNotConnected) || errors.Is(err, lcdm.ErrNotConnected) {
		c.JSON(statusUnreachable, gin.H{"error": err.Error()})
		return
	}
	s.log.WithError(err).Warn("httpapi: request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) ccnetStatus(c *gin.Context) {
	if s.validator == nil {
		c.JSON(statusUnreachable, gin.H{"error": ccnet.ErrNotConnected.Error()})
		return
	}
	res, err := s.validator.Poll(c.Request.Context())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": res.State.String(), "param": res.Param})
}

func (s *Server) ccnetEnable(c *gin.Context) {
	if s.validator == nil {
		c.JSON(statusUnreachable, gin.H{"error": ccnet.ErrNotConnected.Error()})
		return
	}
	if err := s.validator.Enable(c.Request.Context()); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) ccnetDisable(c *gin.Context) {
	if s.validator == nil {
		c.JSON(statusUnreachable, gin.H{"error": ccnet.ErrNotConnected.Error()})
		return
	}
	if err := s.validator.Disable(c.Request.Context()); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) ccnetGetBill(c *gin.Context) {
	if s.validator == nil {
		c.JSON(statusUnreachable, gin.H{"error": ccnet.ErrNotConnected.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), getBillTimeout)
	defer cancel()
	bill, err := s.validator.StackOne(ctx)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": bill.Value, "country": bill.Country})
}

func (s *Server) cctalkStatus(c *gin.Context) {
	if s.cctalkHost == nil {
		c.JSON(statusUnreachable, gin.H{"error": cctalk.ErrNotConnected.Error()})
		return
	}
	res, err := s.cctalkHost.RequestStatusC(c.Request.Context(), s.cctalkAddr)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": res.Status, "processing": res.Processing, "credit": res.Credit})
}

func (s *Server) cctalkEnable(c *gin.Context) {
	if s.cctalkHost == nil {
		c.JSON(statusUnreachable, gin.H{"error": cctalk.ErrNotConnected.Error()})
		return
	}
	if err := s.cctalkHost.SetMasterInhibit(c.Request.Context(), s.cctalkAddr, true); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) cctalkDisable(c *gin.Context) {
	if s.cctalkHost == nil {
		c.JSON(statusUnreachable, gin.H{"error": cctalk.ErrNotConnected.Error()})
		return
	}
	if err := s.cctalkHost.SetMasterInhibit(c.Request.Context(), s.cctalkAddr, false); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) cctalkStackOne(c *gin.Context) {
	if s.cctalkHost == nil {
		c.JSON(statusUnreachable, gin.H{"error": cctalk.ErrNotConnected.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), getBillTimeout)
	defer cancel()
	rec, err := s.cctalkHost.WaitCredit(ctx, s.cctalkAddr)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": rec.Value, "country": rec.Country})
}

type dispenseRequest struct {
	Amount int `json:"amount" binding:"required"`
}

func (s *Server) lcdmDispense(c *gin.Context) {
	if s.dispenser == nil {
		c.JSON(statusUnreachable, gin.H{"error": lcdm.ErrNotConnected.Error()})
		return
	}
	var req dispenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.dispenser.Dispense(c.Request.Context(), req.Amount)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type acquiringRequest struct {
	Amount float64 `json:"ammount" binding:"required"`
}

func (s *Server) sberAcquiring(c *gin.Context) {
	if s.pilot == nil {
		c.JSON(statusUnreachable, gin.H{"error": "sber: not configured"})
		return
	}
	var req acquiringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.pilot.ExecAcquiring(req.Amount)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) sberSync(c *gin.Context) {
	if s.pilot == nil {
		c.JSON(statusUnreachable, gin.H{"error": "sber: not configured"})
		return
	}
	res, err := s.pilot.ExecSync()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type runRequest struct {
	Command []string `json:"command" binding:"required"`
}

func (s *Server) sberRun(c *gin.Context) {
	if s.pilot == nil {
		c.JSON(statusUnreachable, gin.H{"error": "sber: not configured"})
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.pilot.Run(req.Command...)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
