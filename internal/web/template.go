package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/mpi/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"secs": func(d time.Duration) string {
		if d == 0 {
			return "disabled"
		}
		return fmt.Sprintf("%ds", int64(d/time.Second))
	},
	"utc": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>MPI</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.connected { color: green; }
.disconnected { color: red; }
.error { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>MPI<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Manifest</h2>
<table>
{{with .Last}}<tr><th>ID</th><td id="manifest-id">{{.ID}}</td></tr>
<tr><th>Built</th><td id="manifest-at">{{utc .At}}</td></tr>
{{if .Err}}<tr><th>Publish</th><td class="error">{{.Err}}</td></tr>{{end}}
<tr><th>Customers</th><td id="manifest-phones">{{range $i, $p := .Phones}}{{if $i}}, {{end}}{{$p}}{{else}}none{{end}}</td></tr>
{{else}}<tr><th>ID</th><td id="manifest-id">none yet</td></tr>
<tr><th>Built</th><td id="manifest-at"></td></tr>
<tr><th>Customers</th><td id="manifest-phones"></td></tr>{{end}}
<tr><th>Capacity</th><td>{{.Config.ManifestSize}}</td></tr>
</table>

<h2>Store</h2>
<table>
<tr><th>Active</th><td>{{.Store.Active}}</td></tr>
<tr><th>Cooldown</th><td>{{.Store.Cooldown}}</td></tr>
<tr><th>Stopped</th><td>{{.Store.Stopped}}</td></tr>
<tr><th>Stale</th><td>{{.Store.Stale}}</td></tr>
<tr><th>Total</th><td>{{.Store.Total}}</td></tr>
</table>

<h2>Counters</h2>
<table>
<tr><th>Starts</th><td>{{.Counters.Starts}}</td></tr>
<tr><th>Stops</th><td>{{.Counters.Stops}} ({{.Counters.UnknownStops}} unknown)</td></tr>
<tr><th>Rejected</th><td>{{.Counters.Rejected}}</td></tr>
<tr><th>Manifests</th><td>{{.Counters.Manifests}} ({{.Counters.PublishErrors}} failed)</td></tr>
<tr><th>Demoted</th><td>{{.Counters.Demoted}}</td></tr>
<tr><th>Truncated</th><td>{{.Counters.Truncated}}</td></tr>
<tr><th>Expired</th><td>{{.Counters.Expired}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Events</th><td>{{.Config.EventTopic}}</td></tr>
<tr><th>Manifests</th><td>{{.Config.ManifestTopic}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{utc .StartTime}}</td></tr>
<tr><th>Active time</th><td>{{secs .Config.ActiveTime}}</td></tr>
<tr><th>Cooldown time</th><td>{{secs .Config.CooldownTime}}</td></tr>
<tr><th>Refresh</th><td>{{secs .Config.RefreshTime}}</td></tr>
<tr><th>Sweep</th><td>{{secs .Config.SweepTime}}</td></tr>
<tr><th>Heartbeat</th><td>{{secs .Config.HeartbeatTime}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var idEl = document.getElementById("manifest-id");
  var atEl = document.getElementById("manifest-at");
  var phonesEl = document.getElementById("manifest-phones");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws/manifest");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        if (msg.event !== "manifest") { return; }
        var m = msg.data.manifest;
        idEl.textContent = m.id;
        atEl.textContent = m.published_at;
        var phones = m.customers.map(function(c) { return c.phone; });
        phonesEl.textContent = phones.length ? phones.join(", ") : "none";
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
