// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>pgstore osd status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #996600;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.pgs th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>osd {{.ID}}</h3>

<table>
  <tr><td>Address:</td><td><a href="http://{{.Cfg.Addr}}">{{.Cfg.Addr}}</a></td></tr>
  <tr><td>Store:</td><td>{{.Cfg.Store}} {{.Cfg.DataDir}}</td></tr>
  <tr><td>Superblock:</td><td>{{.Superblock}}</td></tr>
  <tr><td>Free memory:</td><td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td></tr>
  <tr><td>Pending requests:</td><td>{{.Pending}}</td></tr>
  <tr><td>Last reboot:</td><td>{{.Reboot}}</td></tr>
</table>

<br>
<table class="status">
  <caption>RPC Metrics</caption>
  <tr><th>RPC</th><th>Stats</th></tr>
  {{range $k, $v := .RPC}}
  <tr><td>{{$k}}</td><td>{{$v}}</td></tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Op Metrics</caption>
  <tr><th>Op</th><th>Stats</th></tr>
  {{range $k, $v := .Ops}}
  <tr><td>{{$k}}</td><td>{{$v}}</td></tr>
  {{end}}
</table>

<br>
<table class="status pgs">
  <caption>Placement groups</caption>
  <tr>
    <th>PG</th>
    <th>Epoch</th>
    <th>Members</th>
    <th>Last update</th>
    <th>Last complete</th>
    <th>In flight</th>
    <th>Deferred</th>
  </tr>
  {{range .PGs}}
  <tr>
    <td>{{.PG}}</td>
    <td>{{.Epoch}}</td>
    <td>{{.Members}}{{if .Primary}} (primary){{end}}</td>
    <td>{{.LastUpdate}}</td>
    <td>{{.LastComplete}}</td>
    <td>{{range .Gathers}}{{.}}<br>{{end}}</td>
    <td>{{.Deferred}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusData includes osd status info.
type StatusData struct {
	Cfg        Config
	ID         core.NodeID
	Superblock core.Superblock
	FreeMem    uint64
	TotalMem   uint64

	PGs []PGStats

	// Client requests being served.
	Pending int

	Reboot time.Time // When was the last reboot?
	RPC    map[string]string
	Ops    map[string]string
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	// When was the last reboot?
	reboot = time.Now()

	funcMap = template.FuncMap{"byteToMB": byteToMB}

	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// statusHandler is called when an http request is received at the status port.
// If the "Accept" header is set to be "application/json", it sends json encoded
// status; otherwise it sends html.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	var b bytes.Buffer
	var err error
	ct := "text/html"
	if r.Header.Get("Accept") == "application/json" {
		ct = "application/json"
		err = json.NewEncoder(&b).Encode(s.genStatus())
	} else {
		err = statusTemplate.Execute(&b, s.genStatus())
	}
	if err != nil {
		e := fmt.Sprintf("failed to encode status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}
	w.Header().Set("Content-Type", ct)
	w.Write(b.Bytes())
}

func (s *Server) genStatus() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	return StatusData{
		Cfg:        *s.cfg,
		ID:         s.osd.ID(),
		Superblock: s.osd.Superblock(),
		FreeMem:    mem.ActualFree,
		TotalMem:   mem.Total,
		PGs:        s.osd.PGStats(),
		Pending:    s.handler.pendingSem.InUse(),
		Reboot:     reboot,
		RPC:        s.handler.rpcStats(),
		Ops:        opm.Strings(core.OpRead.String(), core.OpStat.String()),
		Now:        time.Now(),
	}
}
