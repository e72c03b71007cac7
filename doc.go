// Package zipstream assembles zip archives from remote sources and streams
// them to the caller while they are being built.
//
// A request is a JSON array of {"url", "filename"} pairs. [Service.BuildOrServe]
// fingerprints the raw request bytes and either serves a previously built
// archive from a [cache.Store] or starts a new build. A build fetches the
// sources concurrently through a [fetch.Pool], writes one stored member per
// source in request order and hands the growing archive to the caller as an
// io.Reader. Only archives that were built completely are committed to the
// cache.
//
// # Quick Start
//
//	store, err := disk.New("/var/cache/zipstream")
//	if err != nil {
//	    return err
//	}
//	svc, err := zipstream.New(store, zipstream.WithWorkDir("/var/tmp/zipstream"))
//	if err != nil {
//	    return err
//	}
//	entries, err := zipstream.DecodeEntries(raw)
//	if err != nil {
//	    return err
//	}
//	resp, err := svc.BuildOrServe(ctx, raw, entries)
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//	_, err = io.Copy(w, resp)
//
// Every archive starts with a manifest member (files.json by default) that
// holds the request entries as indented JSON.
package zipstream
