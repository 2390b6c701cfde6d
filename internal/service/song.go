package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AddSong 把歌曲加入队尾。添加者必须是房间成员。
// 房间没有当前曲目时新歌曲自动成为当前曲目。
func (s *RoomService) AddSong(ctx context.Context, roomID, addedBy, youtubeURL, title string) (*domain.Song, error) {
	youtubeURL, title, err := validateSongInput(youtubeURL, title)
	if err != nil {
		return nil, err
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": addedBy})

	song := &domain.Song{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		AddedBy:    addedBy,
		YoutubeURL: youtubeURL,
		Title:      title,
	}
	batch := &eventBatch{}

	err = s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
		room, err := repo.LockRoom(ctx, roomID)
		if err != nil {
			return mapRepoError(err, ErrRoomNotFound, "lock room")
		}
		if _, err := repo.FindMembership(ctx, roomID, addedBy); err != nil {
			return mapRepoError(err, ErrParticipantNotInRoom, "find membership")
		}

		queue, err := repo.ListSongs(ctx, roomID)
		if err != nil {
			return mapRepoError(err, nil, "list songs")
		}
		song.AddedAt = s.nextAddedAt(queue)
		if err := repo.CreateSong(ctx, song); err != nil {
			return mapRepoError(err, nil, "create song")
		}

		advanced := false
		if !room.HasCurrentSong() {
			if err := repo.SetCurrentSong(ctx, roomID, &song.ID); err != nil {
				return mapRepoError(err, nil, "set current song")
			}
			advanced = true
		}

		if err := batch.add(domain.EventSongQueueUpdated, room.RoomCode, append(queue, *song)); err != nil {
			return err
		}
		if advanced {
			return batch.add(domain.EventCurrentSongChanged, room.RoomCode, song)
		}
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("AddSong failed")
		return nil, mapRepoError(err, nil, "add song")
	}

	s.publish(ctx, batch)
	logCtx.WithField("song_id", song.ID).Info("Song added to queue")
	return song, nil
}

// RemoveSong 从队列删除歌曲。歌曲不存在时返回 false，不发布事件。
// 删除的是当前曲目时清空当前曲目指针并发布 CURRENT_SONG_CHANGED(null)。
func (s *RoomService) RemoveSong(ctx context.Context, roomID, songID string) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "song_id": songID})

	removed := false
	batch := &eventBatch{}

	err := s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
		room, err := repo.LockRoom(ctx, roomID)
		if err != nil {
			return mapRepoError(err, ErrRoomNotFound, "lock room")
		}
		removed, err = repo.DeleteSong(ctx, roomID, songID)
		if err != nil {
			return mapRepoError(err, nil, "delete song")
		}
		if !removed {
			return nil
		}

		clearedCurrent := room.HasCurrentSong() && *room.CurrentSongID == songID
		if clearedCurrent {
			if err := repo.SetCurrentSong(ctx, roomID, nil); err != nil {
				return mapRepoError(err, nil, "clear current song")
			}
		}

		queue, err := repo.ListSongs(ctx, roomID)
		if err != nil {
			return mapRepoError(err, nil, "list songs")
		}
		if err := batch.add(domain.EventSongQueueUpdated, room.RoomCode, queue); err != nil {
			return err
		}
		if clearedCurrent {
			return batch.add(domain.EventCurrentSongChanged, room.RoomCode, nil)
		}
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("RemoveSong failed")
		return false, mapRepoError(err, nil, "remove song")
	}

	s.publish(ctx, batch)
	if removed {
		logCtx.Info("Song removed from queue")
	}
	return removed, nil
}

// SetCurrentSong 更新当前曲目指针。不校验歌曲是否仍在队列中，由调用方保证；
// 事件携带歌曲记录，歌曲不存在时为 null。
func (s *RoomService) SetCurrentSong(ctx context.Context, roomID, songID string) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "song_id": songID})
	batch := &eventBatch{}

	err := s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
		room, err := repo.LockRoom(ctx, roomID)
		if err != nil {
			return mapRepoError(err, ErrRoomNotFound, "lock room")
		}
		if err := repo.SetCurrentSong(ctx, roomID, &songID); err != nil {
			return mapRepoError(err, nil, "set current song")
		}

		var track *domain.Song
		song, err := repo.FindSong(ctx, songID)
		switch {
		case err == nil:
			track = song
		case isNotFound(err):
			logCtx.Warn("SetCurrentSong: song does not exist, pointer set anyway")
		default:
			return mapRepoError(err, nil, "find song")
		}
		return batch.add(domain.EventCurrentSongChanged, room.RoomCode, track)
	})
	if err != nil {
		logCtx.WithError(err).Warn("SetCurrentSong failed")
		return false, mapRepoError(err, nil, "set current song")
	}

	s.publish(ctx, batch)
	logCtx.Info("Current song changed")
	return true, nil
}

// GetSongQueue 返回房间队列，按加入顺序
func (s *RoomService) GetSongQueue(ctx context.Context, roomID string) ([]domain.Song, error) {
	if _, err := s.GetRoomByID(ctx, roomID); err != nil {
		return nil, err
	}
	queue, err := s.repo.ListSongs(ctx, roomID)
	if err != nil {
		return nil, mapRepoError(err, nil, "list songs")
	}
	return queue, nil
}

// GetSong 按 ID 查找歌曲
func (s *RoomService) GetSong(ctx context.Context, songID string) (*domain.Song, error) {
	song, err := s.repo.FindSong(ctx, songID)
	if err != nil {
		return nil, mapRepoError(err, ErrSongNotFound, "get song")
	}
	return song, nil
}

// nextAddedAt 保证新条目的时间戳严格晚于队尾，队列顺序即插入顺序
func (s *RoomService) nextAddedAt(queue []domain.Song) time.Time {
	at := s.timestamp()
	if n := len(queue); n > 0 {
		if last := queue[n-1].AddedAt; !at.After(last) {
			at = last.Add(time.Millisecond)
		}
	}
	return at
}

func validateSongInput(rawURL, title string) (string, string, error) {
	rawURL = strings.TrimSpace(rawURL)
	title = strings.TrimSpace(title)
	if title == "" || len(title) > 255 {
		return "", "", fmt.Errorf("%w: title must be 1-255 characters", ErrInvalidInput)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || len(rawURL) > 512 {
		return "", "", fmt.Errorf("%w: youtube_url must be an absolute http(s) URL", ErrInvalidInput)
	}
	return rawURL, title, nil
}
