package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Home Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { font-family: system-ui, sans-serif; margin: 0; background: #101418; color: #e6e6e6; }
        .app { max-width: 1280px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 16px; }
        .title { font-size: 22px; font-weight: 600; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1a2027; border-radius: 8px; padding: 14px; }
        .panel h2 { margin: 0 0 4px; font-size: 16px; }
        .panel-subtitle { margin: 0 0 10px; color: #8a96a3; font-size: 13px; }
        .badge { font-size: 12px; padding: 3px 8px; border-radius: 10px; background: #2b333c; }
        .badge.live { background: #1f6f3f; }
        #log { height: 220px; overflow-y: auto; font-family: monospace; font-size: 12px; margin: 0; padding: 0; list-style: none; }
        #log li { padding: 3px 0; border-bottom: 1px solid #242b33; }
        .counts { display: grid; grid-template-columns: 1fr auto; gap: 4px 12px; font-size: 13px; }
        .bar { height: 6px; background: #2fa36b; border-radius: 3px; }
        textarea, input { width: 100%; box-sizing: border-box; background: #0e1216; color: #e6e6e6; border: 1px solid #2b333c; border-radius: 4px; padding: 6px; }
        button { margin-top: 8px; background: #2f6fa3; color: #fff; border: 0; border-radius: 4px; padding: 6px 12px; cursor: pointer; }
        #summary { white-space: pre-wrap; font-size: 14px; margin-top: 10px; }
        .muted { color: #8a96a3; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Home Monitor</div>
            <span class="badge" id="status-badge">Connecting...</span>
        </div>

        <div class="grid">
            <div class="panel" style="grid-row: span 3;">
                <h2>Live Feed</h2>
                <p class="panel-subtitle">Annotated MJPEG stream with detection boxes</p>
                <img id="stream" src="/video_feed" alt="Live stream" style="width:100%;height:auto;background:#000;">

                <h2 style="margin-top:14px;">Event Log</h2>
                <p class="panel-subtitle">One entry per sampling window</p>
                <ul id="log"><li class="muted">Waiting for the first window...</li></ul>
            </div>

            <div class="panel">
                <h2>Ask about events</h2>
                <p class="panel-subtitle">e.g. "What happened in the last 10 minutes?" or "What happened between 14:00 and 15:00?"</p>
                <form id="query-form">
                    <textarea id="query" rows="2" placeholder="What happened in the last 10 minutes?"></textarea>
                    <button type="submit">Ask</button>
                </form>
                <div id="summary" class="muted"></div>
            </div>

            <div class="panel">
                <h2>Sampling interval</h2>
                <p class="panel-subtitle" id="interval-current">Current: -- s</p>
                <form id="interval-form">
                    <input id="interval" type="number" min="1" value="60">
                    <button type="submit">Update</button>
                </form>
                <button id="record-btn" type="button">Start recording</button>
                <div id="record-info" class="muted"></div>
            </div>

            <div class="panel">
                <h2>Detections</h2>
                <p class="panel-subtitle">Last window / since start-up</p>
                <div class="counts" id="window-counts"><span class="muted">--</span></div>
                <hr style="border-color:#242b33;">
                <div class="counts" id="total-counts"><span class="muted">--</span></div>
            </div>
        </div>
    </div>

    <script src="/assets/monitor.js" defer></script>
    <script>
        const badge = document.getElementById('status-badge');
        const log = document.getElementById('log');
        let firstEntry = true;

        function renderCounts(el, counts) {
            const entries = Object.entries(counts || {}).sort((a, b) => b[1] - a[1]);
            if (entries.length === 0) {
                el.innerHTML = '<span class="muted">none</span>';
                return;
            }
            const max = entries[0][1] || 1;
            el.innerHTML = '';
            for (const [label, n] of entries) {
                const name = document.createElement('div');
                name.innerHTML = '<div></div><div class="bar"></div>';
                name.firstChild.textContent = label;
                name.lastChild.style.width = Math.max(4, 100 * n / max) + '%';
                const value = document.createElement('div');
                value.textContent = n;
                el.append(name, value);
            }
        }

        function addLogEntry(text) {
            if (firstEntry) {
                log.innerHTML = '';
                firstEntry = false;
            }
            const li = document.createElement('li');
            li.textContent = text;
            log.prepend(li);
            while (log.children.length > 200) {
                log.removeChild(log.lastChild);
            }
        }

        function applyStatus(s) {
            document.getElementById('interval-current').textContent = 'Current: ' + s.interval_seconds + ' s';
            renderCounts(document.getElementById('total-counts'), s.total_object_counts);
            const rec = s.recording;
            document.getElementById('record-btn').textContent = rec && rec.recording ? 'Stop recording' : 'Start recording';
            if (rec && rec.filename) {
                document.getElementById('record-info').textContent =
                    rec.filename + ' (' + rec.frame_count + ' frames)';
            }
        }

        const handlers = {
            log_update: (d) => addLogEntry(d.log_entry),
            update: (u) => {
                renderCounts(document.getElementById('window-counts'), u.object_counts);
                renderCounts(document.getElementById('total-counts'), u.total_object_counts);
            },
            status: applyStatus,
        };

        function useSSE() {
            const updates = new EventSource('/api/updates/stream');
            updates.onopen = () => { badge.textContent = 'Live (SSE)'; badge.classList.add('live'); };
            updates.onerror = () => { badge.textContent = 'Reconnecting...'; badge.classList.remove('live'); };
            for (const [name, fn] of Object.entries(handlers)) {
                updates.addEventListener(name, (e) => fn(JSON.parse(e.data)));
            }
        }

        // ?transport=webrtc receives window updates over a data channel instead of SSE.
        async function useWebRTC() {
            const pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            const dc = pc.createDataChannel('updates');
            dc.onopen = () => { badge.textContent = 'Live (WebRTC)'; badge.classList.add('live'); };
            dc.onclose = () => { badge.textContent = 'Disconnected'; badge.classList.remove('live'); };
            dc.onmessage = (e) => {
                const msg = JSON.parse(e.data);
                if (handlers[msg.event]) handlers[msg.event](msg.data);
            };
            await pc.setLocalDescription(await pc.createOffer());
            await new Promise((resolve) => {
                if (pc.iceGatheringState === 'complete') return resolve();
                pc.onicegatheringstatechange = () => pc.iceGatheringState === 'complete' && resolve();
            });
            const resp = await fetch('/api/webrtc/offer', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(pc.localDescription),
            });
            if (!resp.ok) throw new Error((await resp.json()).error);
            await pc.setRemoteDescription(await resp.json());
        }

        if (new URLSearchParams(location.search).get('transport') === 'webrtc') {
            useWebRTC().catch((err) => { console.warn('WebRTC failed, using SSE', err); useSSE(); });
        } else {
            useSSE();
        }

        document.getElementById('query-form').addEventListener('submit', async (e) => {
            e.preventDefault();
            const out = document.getElementById('summary');
            out.textContent = 'Thinking...';
            try {
                const resp = await fetch('/query_events', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify({ query: document.getElementById('query').value }),
                });
                out.textContent = (await resp.json()).summary;
                out.classList.remove('muted');
            } catch (err) {
                out.textContent = 'Request failed: ' + err;
            }
        });

        document.getElementById('interval-form').addEventListener('submit', async (e) => {
            e.preventDefault();
            const body = new URLSearchParams({ interval: document.getElementById('interval').value });
            const resp = await fetch('/set_interval', { method: 'POST', body });
            if (resp.status !== 204) {
                alert((await resp.json()).error);
                return;
            }
            document.getElementById('interval-current').textContent = 'Current: ' + body.get('interval') + ' s';
        });

        document.getElementById('record-btn').addEventListener('click', async () => {
            const status = await (await fetch('/api/recording/status')).json();
            const action = status.recording ? 'stop' : 'start';
            const resp = await fetch('/api/recording/' + action, { method: 'POST' });
            const data = await resp.json();
            if (!resp.ok) {
                document.getElementById('record-info').textContent = data.error;
                return;
            }
            document.getElementById('record-btn').textContent = action === 'start' ? 'Stop recording' : 'Start recording';
            document.getElementById('record-info').textContent = data.file;
        });

        fetch('/api/status').then((r) => r.json()).then(applyStatus).catch(() => {});
    </script>
</body>
</html>
`
