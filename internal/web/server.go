package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"videoscan/internal/align"
	"videoscan/internal/storage"
)

// WebServer serves the run progress dashboard: a polling JSON API plus a
// websocket feed of progress snapshots.
type WebServer struct {
	port     int
	tracker  *align.ProgressTracker
	store    *storage.Store
	upgrader websocket.Upgrader
	hub      *WebSocketHub
}

type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// DashboardData is the combined payload pushed to dashboard clients.
type DashboardData struct {
	Progress   align.ProgressSnapshot `json:"progress"`
	RecentRuns []RunSummary           `json:"recentRuns"`
	Timestamp  time.Time              `json:"timestamp"`
}

// RunSummary is the dashboard's view of one persisted run.
type RunSummary struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	InputPath   string     `json:"inputPath"`
	StopReason  string     `json:"stopReason"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func NewWebServer(port int, tracker *align.ProgressTracker, store *storage.Store) *WebServer {
	hub := &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}

	if tracker == nil {
		tracker = align.NewProgressTracker()
	}

	return &WebServer{
		port:    port,
		tracker: tracker,
		store:   store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		hub: hub,
	}
}

func (ws *WebServer) Start(ctx context.Context) error {
	go ws.hub.run()
	go ws.broadcastProgress(ctx)

	router := mux.NewRouter()

	router.HandleFunc("/", ws.handleDashboard).Methods("GET")
	router.HandleFunc("/api/progress", ws.handleAPIProgress).Methods("GET")
	router.HandleFunc("/api/runs", ws.handleAPIRuns).Methods("GET")
	router.HandleFunc("/api/runs/{id}/iterations", ws.handleAPIIterations).Methods("GET")
	router.HandleFunc("/ws", ws.handleWebSocket).Methods("GET")

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", ws.port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Videoscan dashboard: http://localhost:%d\n", ws.port)
	return server.ListenAndServe()
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tmpl := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Videoscan Dashboard</title>
    <style>
        :root {
            --bg-primary: #0f172a;
            --bg-secondary: #1e293b;
            --text-primary: #f8fafc;
            --text-secondary: #cbd5e1;
            --accent: #3b82f6;
            --success: #10b981;
            --error: #ef4444;
            --border: #475569;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            padding: 2rem;
        }
        h1 { color: var(--accent); margin-bottom: 1.5rem; }
        .card {
            background: var(--bg-secondary);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 1.5rem;
            margin-bottom: 1.5rem;
        }
        .bar-track {
            background: var(--bg-primary);
            border-radius: 6px;
            height: 22px;
            overflow: hidden;
        }
        .bar-fill {
            background: var(--accent);
            height: 100%;
            width: 0%;
            transition: width 0.4s ease;
        }
        .meta { color: var(--text-secondary); margin-top: 0.75rem; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 0.5rem; border-bottom: 1px solid var(--border); }
        th { color: var(--text-secondary); }
        .ok { color: var(--success); }
        .bad { color: var(--error); }
    </style>
</head>
<body>
    <h1>Videoscan</h1>
    <div class="card">
        <div class="bar-track"><div class="bar-fill" id="bar"></div></div>
        <div class="meta" id="phase">waiting</div>
    </div>
    <div class="card">
        <table>
            <thead><tr><th>Run</th><th>Status</th><th>Input</th><th>Stop reason</th></tr></thead>
            <tbody id="runs"></tbody>
        </table>
    </div>
    <script>
        function render(data) {
            const p = data.progress;
            document.getElementById('bar').style.width = p.overall_progress.toFixed(1) + '%';
            document.getElementById('phase').textContent =
                p.current_phase + ' | iteration ' + p.iteration_count +
                ' | ' + p.total_images + ' images | ' + p.overall_progress.toFixed(1) + '%';
            const rows = (data.recentRuns || []).map(r =>
                '<tr><td>' + r.id + '</td><td class="' + (r.status === 'failed' ? 'bad' : 'ok') + '">' +
                r.status + '</td><td>' + r.inputPath + '</td><td>' + (r.stopReason || '') + '</td></tr>');
            document.getElementById('runs').innerHTML = rows.join('');
        }
        const sock = new WebSocket('ws://' + location.host + '/ws');
        sock.onmessage = ev => render(JSON.parse(ev.data));
        sock.onerror = () => setInterval(async () => {
            const res = await fetch('/api/progress');
            render(await res.json());
        }, 2000);
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, tmpl)
}

func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("WebSocket upgrade failed: %v\n", err)
		return
	}

	ws.hub.register <- conn

	go func() {
		defer func() {
			ws.hub.unregister <- conn
			conn.Close()
		}()

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (ws *WebServer) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	data := ws.generateDashboardData()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (ws *WebServer) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ws.recentRuns())
}

func (ws *WebServer) handleAPIIterations(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		http.Error(w, "no run store configured", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	history, err := ws.store.RunIterations(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

func (ws *WebServer) generateDashboardData() DashboardData {
	return DashboardData{
		Progress:   ws.tracker.Read(),
		RecentRuns: ws.recentRuns(),
		Timestamp:  time.Now(),
	}
}

func (ws *WebServer) recentRuns() []RunSummary {
	if ws.store == nil {
		return nil
	}
	recs, err := ws.store.RecentRuns(20)
	if err != nil {
		return nil
	}
	summaries := make([]RunSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, RunSummary{
			ID:          rec.ID,
			Status:      rec.Status,
			InputPath:   rec.InputPath,
			StopReason:  rec.StopReason,
			CreatedAt:   rec.CreatedAt,
			CompletedAt: rec.CompletedAt,
			Error:       rec.Error,
		})
	}
	return summaries
}

func (ws *WebServer) broadcastProgress(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data := ws.generateDashboardData()
			jsonData, err := json.Marshal(data)
			if err == nil {
				ws.hub.broadcast <- jsonData
			}
		}
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
