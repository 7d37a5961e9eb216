// Package debugapi implements an optional, loopback-oriented HTTP
// introspection and control surface over the job table (spec
// SPEC_FULL's ADDED debug API), adapted from the teacher's
// cmd/zmux-server/main.go route-registration style: gin engine, cors +
// secure middleware, and a cookie session middleware on every route. No
// route checks the session, so the two mutating routes (POST
// /jobs/:id/signal, POST /jobs/signal-all) are not guarded by it.
package debugapi

import (
	"fmt"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nsh-project/nsh/internal/jobtable"
)

// JobView is the JSON shape of one job in GET /jobs and GET /jobs/:id,
// adapted from the teacher's summary-view pattern (pkg/models.Summary in
// the source tree) of flattening internal state into a stable wire shape.
type JobView struct {
	ID      int64  `json:"id"`
	PGID    int    `json:"pgid"`
	State   string `json:"state"`
	Command string `json:"command"`
	FG      bool   `json:"foreground"`
}

func toView(j *jobtable.Job) JobView {
	return JobView{ID: j.ID, PGID: j.PGID, State: j.State(), Command: j.Command, FG: j.FG}
}

// Server is the debug API's HTTP surface.
type Server struct {
	log    *zap.Logger
	jobs   *jobtable.List
	engine *gin.Engine
}

// New builds a Server listening for signal delivery through the given
// func (decoupled from a concrete signal package so tests can substitute
// a recording stub).
func New(log *zap.Logger, jobs *jobtable.List, sessionSecret []byte, sendSignal func(pgid int, sig unix.Signal) error) *Server {
	log = log.Named("debugapi")
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))
	engine.Use(secure.New(secure.Config{
		SSLRedirect:           false,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ContentSecurityPolicy: "default-src 'none'",
	}))

	store := cookie.NewStore(sessionSecret)
	engine.Use(sessions.Sessions("nsh_debugapi", store))

	s := &Server{log: log, jobs: jobs, engine: engine}

	engine.GET("/jobs", s.listJobs)
	engine.GET("/jobs/:id", s.getJob)
	engine.POST("/jobs/:id/signal", s.signalJob(sendSignal))
	engine.POST("/jobs/signal-all", s.signalAll(sendSignal))

	return s
}

// Run blocks serving HTTP on addr (e.g. "127.0.0.1:4242").
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) listJobs(c *gin.Context) {
	all := s.jobs.All()
	views := make([]JobView, 0, len(all))
	for _, j := range all {
		views = append(views, toView(j))
	}
	c.JSON(200, views)
}

func (s *Server) getJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid job id"})
		return
	}
	j := s.jobs.GetByID(id)
	if j == nil {
		c.JSON(404, gin.H{"error": "no such job"})
		return
	}
	c.JSON(200, toView(j))
}

func (s *Server) signalJob(sendSignal func(pgid int, sig unix.Signal) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid job id"})
			return
		}
		j := s.jobs.GetByID(id)
		if j == nil {
			c.JSON(404, gin.H{"error": "no such job"})
			return
		}
		sig, err := parseSignal(c.Query("signal"))
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := sendSignal(j.PGID, sig); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"ok": true})
	}
}

// signalAll fans a signal out to every tracked job's process group
// concurrently, bounding the fan-out with an errgroup the way the
// teacher bounds concurrent per-channel work in its service layer.
func (s *Server) signalAll(sendSignal func(pgid int, sig unix.Signal) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig, err := parseSignal(c.Query("signal"))
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		all := s.jobs.All()

		var g errgroup.Group
		g.SetLimit(8)
		for _, j := range all {
			job := j
			g.Go(func() error {
				if job.PGID == 0 {
					return nil
				}
				return sendSignal(job.PGID, sig)
			})
		}
		if err := g.Wait(); err != nil {
			s.log.Warn("signal-all: at least one delivery failed", zap.Error(err))
			c.JSON(207, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"ok": true, "count": len(all)})
	}
}

func parseSignal(name string) (unix.Signal, error) {
	switch name {
	case "TERM", "":
		return unix.SIGTERM, nil
	case "KILL":
		return unix.SIGKILL, nil
	case "INT":
		return unix.SIGINT, nil
	case "STOP":
		return unix.SIGSTOP, nil
	case "CONT":
		return unix.SIGCONT, nil
	case "HUP":
		return unix.SIGHUP, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}
