package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/bridge"
	"github.com/vcplay/vcplay/internal/playback"
	"github.com/vcplay/vcplay/internal/telegram"
)

// parseChatID validates the chatid query parameter.
func parseChatID(c *gin.Context) (int64, string, error) {
	raw := c.Query("chatid")
	if raw == "" {
		return 0, "", invalid("Missing chatid parameter")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", invalid("Invalid chatid parameter")
	}
	return id, raw, nil
}

// selectBackend validates the api query parameter.
func (s *Server) selectBackend(api string) (backend.Backend, error) {
	b, err := s.registry.Select(api)
	if err != nil {
		return backend.Backend{}, invalid(fmt.Sprintf("Invalid api '%s'. Choose %s.", api, s.registry.Choices()))
	}
	return b, nil
}

func (s *Server) handlePlay(c *gin.Context) {
	rawChatID, key := c.Query("chatid"), c.Query("url")
	api := c.DefaultQuery("api", "1")
	if api == "" {
		api = "1"
	}

	if rawChatID == "" || key == "" {
		s.fail(c, invalid("Missing chatid or url parameter"))
		return
	}
	chatID, _, err := parseChatID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	b, err := s.selectBackend(api)
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.player.Play(c.Request.Context(), chatID, key, b.Name)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Playing media",
		"chatid":       rawChatID,
		"url":          key,
		"api_selected": api,
		"api_used":     res.Backend,
	})
}

func (s *Server) handleCache(c *gin.Context) {
	key := c.Query("url")
	if key == "" {
		s.fail(c, invalid("Missing url parameter"))
		return
	}

	var preferred string
	if api := c.Query("api"); api != "" {
		b, err := s.selectBackend(api)
		if err != nil {
			s.fail(c, err)
			return
		}
		preferred = b.Name
	}

	res, err := s.player.Cache(c.Request.Context(), key, preferred)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Song cached successfully",
		"url":      key,
		"api_used": res.Backend,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	chatID, raw, err := parseChatID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.player.Stop(c.Request.Context(), chatID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Stopped media", "chatid": raw})
}

func (s *Server) handlePause(c *gin.Context) {
	chatID, raw, err := parseChatID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.player.Pause(c.Request.Context(), chatID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Paused media", "chatid": raw})
}

func (s *Server) handleResume(c *gin.Context) {
	chatID, raw, err := parseChatID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.player.Resume(c.Request.Context(), chatID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Resumed media", "chatid": raw})
}

func (s *Server) handleJoin(c *gin.Context) {
	raw := c.Query("chat")
	if raw == "" {
		s.fail(c, invalid("Missing chat parameter"))
		return
	}
	chat := telegram.NormalizeChat(raw)

	_, err := s.player.Join(c.Request.Context(), chat)
	switch telegram.ClassifyJoinError(err) {
	case telegram.JoinOK:
		c.JSON(http.StatusOK, gin.H{"message": "Successfully Joined: " + chat})
	case telegram.JoinAlreadyMember:
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("You are already a member of %s.", chat)})
	case telegram.JoinUsernameInvalid:
		s.fail(c, invalid("Invalid username or link."))
	case telegram.JoinInviteInvalid:
		s.fail(c, invalid("Invalid invite link."))
	default:
		s.fail(c, err)
	}
}

func (s *Server) handleRestart(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Restarting application..."})
	s.logger.Warn("Restart requested", "delay", s.opts.RestartDelay)

	if s.opts.Restart != nil {
		time.AfterFunc(s.opts.RestartDelay, s.opts.Restart)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	state := s.runtime.State()
	body := gin.H{
		"runtime":  state.String(),
		"uptime":   humanize.RelTime(s.started, time.Now(), "", ""),
		"backends": s.registry.Names(),
	}

	if s.cache != nil {
		stats := s.cache.Stats()
		body["cache"] = stats
		body["cache_size"] = humanize.Bytes(uint64(stats.Bytes)) //nolint:gosec
	}

	sessions := []playback.Session{}
	if state == bridge.StateReady {
		if got, err := s.player.Sessions(c.Request.Context()); err == nil {
			sessions = got
		} else {
			s.logger.Warn("Listing sessions failed", "error", err)
		}
	}
	body["sessions"] = sessions

	c.JSON(http.StatusOK, body)
}
