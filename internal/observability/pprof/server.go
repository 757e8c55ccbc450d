package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "tfmon/pkg/logx"
)

const (
	defaultAddr   = "127.0.0.1:6060"
	defaultPrefix = "/debug/pprof/"
)

// serve binds, serves, and returns when the server dies or the context
// ends. It runs under the service supervisor's restart loop, so returning
// an error means "bind and try again later".
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !isLoopbackAddr(addr) && cur.Token == "" {
		if !cur.AllowInsecure {
			log.Error("pprof bind refused: non-loopback address needs a token or allow_insecure",
				logx.String("addr", addr))
			return errors.New("insecure pprof bind refused")
		}
		log.Warn("pprof serving without a token on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	prefix := canonicalPrefix(cur.Prefix)
	srv := &http.Server{
		Handler:      buildMux(prefix, cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	// Hand the live server to Stop and Addr.
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Stop(ctx) does the graceful drain; this watcher only covers the case
	// where the supervisor context dies first.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	bound := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", bound),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", bound, prefix)))

	err = srv.Serve(ln)

	// Drop the handles unless a restart already replaced them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("pprof server exited unexpectedly")
	default:
		return err
	}
}

// buildMux wires /healthz and the pprof handlers under prefix, all behind
// the token check when one is set.
func buildMux(prefix, token string) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, requireToken(token, h))
	}

	route("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	base := strings.TrimSuffix(prefix, "/")
	route(prefix, indexHandler(prefix))
	route(base+"/cmdline", hpprof.Cmdline)
	route(base+"/profile", hpprof.Profile)
	route(base+"/symbol", hpprof.Symbol)
	route(base+"/trace", hpprof.Trace)

	// The slashless form redirects to the canonical prefix.
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// requireToken accepts either ?token=<t> or "Authorization: Bearer <t>".
// A present-but-wrong query token is rejected without falling back to the
// header.
func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := requestToken(r); got != "" && got == want {
			next(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func requestToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	const bearer = "Bearer "
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(ah, bearer))
	}
	return ""
}

// canonicalPrefix pins the prefix to the "/p/q/" shape the mux patterns
// and the index rewrite both assume.
func canonicalPrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return defaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// indexHandler adapts hpprof.Index, which hard-codes /debug/pprof/, to a
// custom prefix by rewriting the request path before delegating.
func indexHandler(prefix string) http.HandlerFunc {
	canon := canonicalPrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = defaultPrefix + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}

// isLoopbackAddr reports whether the host part of a host:port bind is a
// loopback interface. An empty host binds every interface, so it is not.
func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
