package transport

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
)

const monitorPageHTML = `<!doctype html>
<html>
<head><title>bdmitm packet monitor</title></head>
<body>
<pre id="log"></pre>
<script>
var es = new EventSource(location.pathname + "?sse");
es.addEventListener("packet", function(e) {
	var p = JSON.parse(e.data);
	var log = document.getElementById("log");
	log.textContent += (p.in ? "<- " : "-> ") + p.remote + "\n" + p.data + "\n\n";
});
</script>
</body>
</html>`

// DebugMonitorHandler serves a webpage (or, with a "sse" query string, a
// text/event-stream feed) of l's sent and received datagrams in real
// time, for interactive debugging of a running proxy.
func DebugMonitorHandler(l *Listener) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Expires", "0")
		w.Header().Set("Pragma", "no-cache")

		if r.URL.RawQuery != "sse" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, monitorPageHTML)
			return
		}

		f, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "cannot stream events", http.StatusInternalServerError)
			return
		}

		c := make(chan MonitorPacket, 16)
		go l.Monitor(r.Context(), c)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		io.WriteString(w, "event: init\ndata: ")
		if addr := l.LocalAddr(); addr != nil {
			io.WriteString(w, addr.String())
		}
		io.WriteString(w, "\n\n")
		f.Flush()

		e := json.NewEncoder(w)
		for p := range c {
			io.WriteString(w, "event: packet\ndata: ")
			e.Encode(map[string]any{
				"in":     p.In,
				"remote": p.Remote.String(),
				"data":   hex.Dump(p.Data),
			})
			io.WriteString(w, "\n")
			f.Flush()
		}
	})
}
