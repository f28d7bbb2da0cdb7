package domain

import "errors"

// Таксономия ошибок ядра. HTTP-слой маппит NotFound/IllegalState/Expired в 4xx,
// Conflict ретраится ограниченное число раз ближайшим вызывающим.
var (
	// ErrNotFound — сущность не найдена в хранилище
	ErrNotFound = errors.New("entity not found")

	// ErrExpired — charge достиг терминального статуса экспирации,
	// операция над ним невозможна
	ErrExpired = errors.New("charge is expired")

	// ErrIllegalState — текущий статус не входит в легальный from-набор операции
	ErrIllegalState = errors.New("illegal state transition")

	// ErrOperationInProgress — текущий статус уже равен запрошенному locking
	// статусу: операцией владеет кто-то другой. Повторный вход НЕ считается
	// идемпотентным успехом
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrConflict — проигран version race при conditioned write.
	// Вызывающий перечитывает состояние и решает, не выполнил ли победитель
	// уже его намерение
	ErrConflict = errors.New("version conflict")
)
