package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/julienschmidt/httprouter"
	"github.com/xtaci/ingest"
)

type requestKey struct{}

func bodyOf(r *http.Request) *ingest.Request {
	req, _ := r.Context().Value(requestKey{}).(*ingest.Request)
	return req
}

func Index(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprint(w, "ingestd\n")
}

// Form echoes the decoded parameters, one name per line.
func Form(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := bodyOf(r)
	names := req.Params.Names()
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s=%q\n", name, req.Params.Values(name))
	}
}

// Upload lists the received fragments.
func Upload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := bodyOf(r)
	for _, frag := range req.Fragments {
		fmt.Fprintf(w, "%s %q %s %d\n", frag.Name, frag.Filename, frag.Mode, frag.Size)
	}
}

func newRouter() *httprouter.Router {
	router := httprouter.New()
	router.GET("/", Index)
	router.POST("/form", Form)
	router.POST("/upload", Upload)
	return router
}

func handler(router *httprouter.Router, limiter *ingest.PathLimiter) ingest.Handler {
	return func(ex *ingest.Exchange) error {
		req, err := ex.ReadRequest()
		if err != nil {
			return err
		}
		defer req.Cleanup()

		res := ingest.NewResponse()
		if limiter != nil && !limiter.Allow(req.URL.Path) {
			res.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintln(res, "rate limited")
			return ex.Respond(res)
		}
		if err := ex.ParseBody(req); err != nil {
			res.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(res, err)
			ex.Respond(res)
			return err
		}

		hreq, err := http.NewRequest(req.Method, req.RequestURI, nil)
		if err != nil {
			return err
		}
		hreq.Header = req.Header
		router.ServeHTTP(res, hreq.WithContext(context.WithValue(ex.Context(), requestKey{}, req)))
		return ex.Respond(res)
	}
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	udp := flag.Bool("udp", false, "serve datagrams instead of TCP")
	confPath := flag.String("config", "", "config file")
	pprof := flag.String("pprof", "", "pprof listen address")
	limits := flag.String("limits", "", "per path rate limit file")
	admin := flag.String("admin", "", "admin listen address")
	flag.Parse()

	config := ingest.DefaultConfig()
	if *confPath != "" {
		var err error
		if config, err = ingest.LoadConfig(*confPath); err != nil {
			log.Fatal(err)
		}
	}

	var limiter *ingest.PathLimiter
	if *limits != "" {
		var err error
		if limiter, err = ingest.LoadPathLimiter(*limits); err != nil {
			log.Fatal(err)
		}
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	router := newRouter()
	hub := newAccessHub()
	access := ingest.NewQueueLogger(io.MultiWriter(os.Stdout, hub), config.LogFormat)
	defer access.Close()

	var pool *ingest.Pool
	if *udp {
		pool = ingest.NewUDPPool(*addr, config, handler(router, limiter), access)
	} else {
		pool = ingest.NewTCPPool(*addr, config, handler(router, limiter), access)
	}
	if err := pool.Start(); err != nil {
		log.Fatal(err)
	}
	log.Printf("ingestd: %d sessions on %s", config.Sessions, *addr)

	if *admin != "" {
		gin.SetMode(gin.ReleaseMode)
		go func() {
			log.Println(newAdmin(pool, hub).Run(*admin))
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	pool.Shutdown()
}
